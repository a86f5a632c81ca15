// Package security screens inbound requests before they consume any rate
// budget or reach an upstream.
package security

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/org/vxlgateway/internal/apierr"
)

// DefaultMaxBodyBytes is 10 MiB.
const DefaultMaxBodyBytes int64 = 10 << 20

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)union\s+select`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)vbscript:`),
}

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

// Options configure a Screen.
type Options struct {
	MaxBodyBytes        int64
	AllowedContentTypes []string
}

// Screen is stateless apart from its configuration.
type Screen struct {
	maxBody int64
	allowed map[string]struct{}
}

func NewScreen(opts Options) *Screen {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	allowed := make(map[string]struct{}, len(opts.AllowedContentTypes))
	for _, ct := range opts.AllowedContentTypes {
		allowed[strings.ToLower(strings.TrimSpace(ct))] = struct{}{}
	}
	return &Screen{maxBody: opts.MaxBodyBytes, allowed: allowed}
}

// Check inspects r. The body is read and replaced with an equivalent
// reader, so r can still be forwarded afterwards.
func (s *Screen) Check(r *http.Request) *apierr.Error {
	if r.ContentLength > s.maxBody {
		return apierr.TooLarge(s.maxBody)
	}

	body, err := s.bufferBody(r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return apierr.TooLarge(s.maxBody)
		}
		return apierr.BadRequest("request body could not be read").WithCause(err)
	}

	if hasBody(r, body) && isMutating(r.Method) {
		if ct := r.Header.Get("Content-Type"); !s.contentTypeAllowed(ct) {
			return apierr.UnsupportedMediaType(ct)
		}
	}

	if Suspicious(r.URL, body) {
		return apierr.Suspicious()
	}
	return nil
}

// Suspicious reports whether the path, decoded query or body match a known
// attack pattern.
func Suspicious(u *url.URL, body []byte) bool {
	var sb strings.Builder
	sb.WriteString(u.Path)
	if u.RawQuery != "" {
		sb.WriteByte('?')
		q, err := url.QueryUnescape(u.RawQuery)
		if err != nil {
			q = u.RawQuery
		}
		sb.WriteString(q)
	}
	if len(body) > 0 {
		sb.WriteByte('\n')
		sb.Write(body)
	}
	subject := sb.String()
	for _, p := range suspiciousPatterns {
		if p.MatchString(subject) {
			return true
		}
	}
	return false
}

var errBodyTooLarge = errors.New("body exceeds limit")

func (s *Screen) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return data, nil
}

func (s *Screen) contentTypeAllowed(ct string) bool {
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if _, ok := s.allowed[mediaType]; ok {
		return true
	}
	// Structured syntax suffixes such as application/problem+json.
	if i := strings.LastIndexByte(mediaType, '+'); i > 0 {
		suffix := mediaType[i+1:]
		_, ok := s.allowed["application/"+suffix]
		return ok
	}
	return false
}

func hasBody(r *http.Request, body []byte) bool {
	return len(body) > 0 || r.ContentLength > 0
}

func isMutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// SetHeaders attaches the baseline hardening headers.
func SetHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "0")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
	h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
}

// RequestID keeps a well-formed inbound id and mints a UUID otherwise.
func RequestID(inbound string) string {
	if requestIDPattern.MatchString(inbound) {
		return inbound
	}
	return uuid.NewString()
}
