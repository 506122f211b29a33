// Package handler implements the request authorization pipeline: resolve
// the virtual host, authenticate the caller by service token or session
// cookie, evaluate the location rules, forge identity headers and forward
// to the protected application, or answer with the appropriate deny.
package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ssogate/ssogate/conf"
	"github.com/ssogate/ssogate/metrics"
	"github.com/ssogate/ssogate/rules"
	"github.com/ssogate/ssogate/secrets"
	"github.com/ssogate/ssogate/session"
)

// Options wire a Handler to its collaborators.
type Options struct {
	Store    *conf.Store
	Sessions *session.Cache

	// Next receives authorized requests, typically a reverse proxy to the
	// protected application.
	Next http.Handler

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Now is the clock, for tests.
	Now func() time.Time
}

// Handler is the access control front of one or more protected
// applications. It never writes to the session store beyond last-seen
// touches, and it never answers 500 for backend failures: every failure
// degrades to 302, 403 or 503.
type Handler struct {
	store    *conf.Store
	sessions *session.Cache
	next     http.Handler
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(o Options) *Handler {
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Handler{
		store:    o.Store,
		sessions: o.Sessions,
		next:     o.Next,
		metrics:  o.Metrics,
		now:      o.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Current()
	if snap == nil {
		log.Error("no configuration loaded, refusing request")
		h.unavailable(w)
		return
	}

	vhost, ok := snap.Engine.ResolveVhost(r.Host)
	if !ok {
		log.Infof("unconfigured vhost %q", r.Host)
		h.unavailable(w)
		return
	}

	if snap.Engine.Maintenance(vhost) {
		h.maintenance(w)
		return
	}

	path := r.URL.RequestURI()
	protection := snap.Engine.ProtectionOf(vhost, path)
	if protection == rules.ProtectionSkip {
		h.forward(w, r)
		return
	}

	rec, err := h.authenticate(r, snap, vhost)
	if err != nil {
		// the session backend did not answer, do not leave the client
		// hanging and do not guess
		log.Errorf("session backend failure for vhost %s: %v", vhost, err)
		h.unavailable(w)
		return
	}

	if rec == nil && protection >= rules.ProtectionAuthenticate {
		h.redirectToPortal(w, r, snap, vhost)
		return
	}

	if protection == rules.ProtectionAuthorize {
		authorized, err := snap.Engine.Authorized(vhost, path, rec.Attrs())
		if err != nil {
			log.Errorf("rule evaluation failed for vhost %s path %s: %v", vhost, path, err)
			authorized = false
		}
		if !authorized {
			h.forbidden(w)
			return
		}
	}

	if rec != nil {
		for _, fh := range snap.Engine.ForgeHeaders(vhost, rec.Attrs()) {
			r.Header.Set(fh.Name, fh.Value)
		}
		// touch is fire and forget, a lost update is acceptable
		id := rec.ID()
		touchCtx := context.WithoutCancel(r.Context())
		go h.sessions.Touch(touchCtx, id)
	}

	stripCookie(r, snap.CookieName)
	r.Header.Del(snap.ServiceTokenHeader)
	h.forward(w, r)
}

// authenticate resolves the caller's session, preferring a service token
// over the cookie. A missing, malformed or expired credential yields
// (nil, nil): unauthenticated, not an error. Only backend unavailability
// is an error.
func (h *Handler) authenticate(r *http.Request, snap *conf.Snapshot, vhost string) (session.Record, error) {
	if tok := r.Header.Get(snap.ServiceTokenHeader); tok != "" && snap.Cipher != nil {
		rec, err := h.serviceTokenSession(r.Context(), tok, snap, vhost)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
		// fall back to the cookie path
	}

	c, err := r.Cookie(snap.CookieName)
	if err != nil || c.Value == "" {
		return nil, nil
	}
	return h.lookup(r.Context(), c.Value)
}

func (h *Handler) serviceTokenSession(ctx context.Context, tok string, snap *conf.Snapshot, vhost string) (session.Record, error) {
	st, err := secrets.DecodeServiceToken(snap.Cipher, tok)
	if err != nil {
		log.Debugf("rejecting service token: %v", err)
		return nil, nil
	}

	ttl := snap.Engine.ServiceTokenTTL(vhost)
	if ttl <= 0 {
		ttl = snap.ServiceTokenTTL
	}
	if age := h.now().Sub(st.IssuedAt); age > ttl || age < -ttl {
		log.Infof("expired service token for session %s, age %v", st.SessionID, age)
		return nil, nil
	}
	if !st.Covers(vhost) {
		log.Infof("service token for session %s does not cover vhost %s", st.SessionID, vhost)
		return nil, nil
	}
	return h.lookup(ctx, st.SessionID)
}

func (h *Handler) lookup(ctx context.Context, id string) (session.Record, error) {
	rec, err := h.sessions.Get(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrExpired):
		return nil, nil
	case errors.Is(err, session.ErrBackendTimeout):
		return nil, err
	default:
		return nil, err
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncDecision(metrics.DecisionAllow)
	}
	h.next.ServeHTTP(w, r)
}

func (h *Handler) forbidden(w http.ResponseWriter) {
	if h.metrics != nil {
		h.metrics.IncDecision(metrics.DecisionDeny)
	}
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (h *Handler) unavailable(w http.ResponseWriter) {
	if h.metrics != nil {
		h.metrics.IncDecision(metrics.DecisionUnavailable)
	}
	http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
}

func (h *Handler) maintenance(w http.ResponseWriter) {
	if h.metrics != nil {
		h.metrics.IncDecision(metrics.DecisionUnavailable)
	}
	w.Header().Set("Retry-After", "300")
	http.Error(w, "Service under maintenance", http.StatusServiceUnavailable)
}

// redirectToPortal answers 302 to the login portal, carrying the original
// URL so the portal can send the user back after login.
func (h *Handler) redirectToPortal(w http.ResponseWriter, r *http.Request, snap *conf.Snapshot, vhost string) {
	if snap.Portal == nil {
		log.Error("authentication required but no portal configured")
		h.unavailable(w)
		return
	}
	if h.metrics != nil {
		h.metrics.IncDecision(metrics.DecisionRedirect)
	}

	scheme := "http"
	if snap.Engine.HTTPS(vhost) || r.TLS != nil {
		scheme = "https"
	}
	original := scheme + "://" + r.Host + r.URL.RequestURI()

	target := *snap.Portal
	q := target.Query()
	q.Set("url", base64.RawURLEncoding.EncodeToString([]byte(original)))
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// stripCookie removes the SSO cookie before forwarding so the session id
// never leaks to the protected application. Other cookies pass through.
func stripCookie(r *http.Request, name string) {
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name != name {
			r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
}

// DecodeOriginalURL reverses the url parameter encoding, for tests and for
// portal implementations sharing this module.
func DecodeOriginalURL(redirect string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", err
	}
	raw, err := base64.RawURLEncoding.DecodeString(u.Query().Get("url"))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
