package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"medshare.org/internal/auth"
	"medshare.org/internal/consent"
	"medshare.org/internal/obs"
	"medshare.org/internal/stream"
)

const serviceName = "medshare-api"

// ReadyProbe checks that the database answers. A nil DB is always ready
// (in-memory mode).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// tokenService is the Token Service as seen by the HTTP layer.
type tokenService interface {
	Login(ctx context.Context, email, password string) (auth.TokenPair, *auth.User, error)
	VerifyAndRotateRefresh(ctx context.Context, token string) (auth.TokenPair, error)
	ValidateAccessToken(token string) (string, error)
	RevokeAllForUser(ctx context.Context, userID string) error
}

type grantLifecycle interface {
	RequestAccess(ctx context.Context, requesterID, ownerID string, pt consent.PermissionType, opts ...consent.RequestOption) (consent.Grant, bool, error)
	Decide(ctx context.Context, ownerID, grantID string, d consent.Decision) (consent.Grant, error)
	Revoke(ctx context.Context, ownerID, grantID string) (consent.Grant, error)
	Incoming(ctx context.Context, ownerID string, status consent.Status) ([]consent.Grant, error)
	Outgoing(ctx context.Context, requesterID string, status consent.Status) ([]consent.Grant, error)
}

type accessDecider interface {
	CanAccessUserRecords(ctx context.Context, callerID, ownerID string) (bool, error)
	CanModifyUserRecords(ctx context.Context, callerID, ownerID string) (bool, error)
}

// Deps are the collaborators the API serves. Stream may be nil to disable
// the event stream.
type Deps struct {
	Tokens    tokenService
	Grants    grantLifecycle
	Decisions accessDecider
	Stream    *stream.Stream
	Ready     readinessChecker
	Version   string
	Logger    *zap.Logger
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	tokens    tokenService
	grants    grantLifecycle
	decisions accessDecider
	stream    *stream.Stream
	ready     readinessChecker
	version   string
	log       *zap.Logger

	rateBurst   int
	ratePerSec  float64
	maxBody     int64
	corsOrigins []string
}

// Option tunes transport limits.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec, a.rateBurst = perSecond, burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithCORSOrigins allows browser clients from the given origins in addition
// to localhost.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = append(a.corsOrigins, origins...) }
}

func New(d Deps, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		tokens:     d.Tokens,
		grants:     d.Grants,
		decisions:  d.Decisions,
		stream:     d.Stream,
		ready:      d.Ready,
		version:    d.Version,
		log:        d.Logger,
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.log == nil {
		a.log = obs.Logger()
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/share/", a.handleShare)
	a.mux.HandleFunc("/records/", a.handleRecords)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.corsOrigins...)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		a.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
