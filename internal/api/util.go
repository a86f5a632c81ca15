package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/org/vxlgateway/internal/apierr"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// decodeJSON reads a bounded JSON body into dst. An empty body leaves dst
// untouched.
func decodeJSON(r *http.Request, dst any) *apierr.Error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apierr.BadRequest("invalid JSON body").WithCause(err)
	}
	return nil
}

// errorBody renders the client-visible shape of e. Internal causes are only
// included outside production.
func errorBody(e *apierr.Error, requestID string, production bool) map[string]any {
	body := make(map[string]any, len(e.Details)+4)
	for k, v := range e.Details {
		body[k] = v
	}
	body["code"] = e.Code
	body["message"] = e.Message
	if requestID != "" {
		body["requestId"] = requestID
	}
	if !production && e.Cause != nil {
		body["debug"] = e.Cause.Error()
	}
	return body
}

func writeError(w http.ResponseWriter, e *apierr.Error, requestID string, production bool) {
	if e.RetryAfter > 0 {
		secs := int64((e.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, e.Status, errorBody(e, requestID, production))
}

func mergeHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}
