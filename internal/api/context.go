package api

import (
	"net/http"
	"time"

	"github.com/org/vxlgateway/internal/auth"
	"github.com/org/vxlgateway/internal/proxy"
	"github.com/org/vxlgateway/pkg/models"
)

// Exchange is the per-request state shared by the gates. The identify gate
// records what the credentials claim; Auth is set once by the authenticate
// gate, after the limiters.
type Exchange struct {
	RequestID string
	ClientIP  string
	Route     proxy.Route
	Request   *http.Request
	Start     time.Time

	// Header is merged into whatever response is finally written.
	Header http.Header

	claimed *auth.Claimed
	auth    auth.Result
	authSet bool
	events  []models.AuditEvent
}

func newExchange(r *http.Request, route proxy.Route, requestID, clientIP string) *Exchange {
	return &Exchange{
		RequestID: requestID,
		ClientIP:  clientIP,
		Route:     route,
		Request:   r,
		Start:     time.Now(),
		Header:    http.Header{},
	}
}

// SetAuth records the credential resolution result. Only the first call has
// any effect.
func (e *Exchange) SetAuth(res auth.Result) {
	if e.authSet {
		return
	}
	e.auth = res
	e.authSet = true
}

func (e *Exchange) Auth() auth.Result { return e.auth }

// limitSubject is the identity the limiters key on. The identity store has
// not been consulted yet, so it carries no permissions. With verifiedOnly,
// claims without a checked signature are ignored.
func (e *Exchange) limitSubject(verifiedOnly bool) *models.Principal {
	c := e.claimed
	if c == nil || (verifiedOnly && !c.Verified()) {
		return nil
	}
	kind := models.KindUser
	if c.Type == auth.AuthTypeAPIKey {
		kind = models.KindAPIKey
	}
	return &models.Principal{ID: c.ID, Kind: kind, Role: c.Role}
}

// Principal is nil for anonymous requests.
func (e *Exchange) Principal() *models.Principal { return e.auth.Principal }

// Audit queues an event; events are written after the response.
func (e *Exchange) Audit(ev models.AuditEvent) {
	ev.RequestID = e.RequestID
	ev.ClientIP = e.ClientIP
	if ev.ActorID == "" {
		p := e.Principal()
		if p == nil {
			// Rejected before authentication; a signed subject is still known.
			p = e.limitSubject(true)
		}
		if p != nil {
			ev.ActorID = p.ID
			ev.ActorKind = string(p.Kind)
		}
	}
	if ev.Resource == "" {
		ev.Resource = e.Route.Resource
	}
	e.events = append(e.events, ev)
}

func (e *Exchange) pendingEvents() []models.AuditEvent { return e.events }
