// Package server exposes the webhook endpoints, health, metrics and the
// operator admin API over HTTP.
//
// Routes:
//
//	GET  /healthz                              store ping
//	GET  /metrics                              Prometheus exposition
//	POST /webhooks/generic                     bearer-token generic events
//	POST /webhooks/{source}[/{event}]          HMAC-signed provider callbacks
//	POST /admin/records                        create a record and schedule its lookup
//	GET  /admin/records/{id}                   record detail
//	POST /admin/records/{id}/retry             force-retry a failed record
//	GET  /admin/circuits                       every circuit
//	GET  /admin/circuits/{provider}            one circuit
//	POST /admin/circuits/{provider}/reset      close a circuit
//	POST /admin/circuits/{provider}/open       force a circuit open
//	GET  /admin/stats                          monitoring snapshot
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/monitoring"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/webhook"
)

// maxBodyBytes caps inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Ingester accepts inbound webhooks. *webhook.Service implements it.
type Ingester interface {
	Ingest(ctx context.Context, source, eventType string, body []byte, signature string) (*webhook.Result, error)
	IngestGeneric(ctx context.Context, token string, ev webhook.GenericEvent) (*webhook.Result, error)
}

// Records is the record surface of the admin API. *lookup.Service
// implements it.
type Records interface {
	Create(ctx context.Context, phone string) (*model.Record, error)
	ForceRetry(ctx context.Context, id string) (*model.Record, error)
}

// RecordReader loads records.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
}

// StatsCollector builds the monitoring snapshot.
type StatsCollector interface {
	Collect(ctx context.Context, lookbackHours int) (*monitoring.MetricsSnapshot, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Nil optional dependencies
// disable their routes.
type Deps struct {
	Health   Pinger
	Webhooks Ingester
	Records  Records
	Reader   RecordReader
	Breakers *resilience.ServiceBreakers
	Stats    StatsCollector
	Metrics  *monitoring.Metrics

	AdminToken    string
	CORSOrigins   []string
	LookbackHours int
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}
	if h.deps.LookbackHours <= 0 {
		h.deps.LookbackHours = 24
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recoverer)
	if d.Metrics != nil {
		r.Use(observe(d.Metrics))
	}
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Signature", "X-Hub-Signature-256"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	if d.Webhooks != nil {
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/generic", h.genericWebhook)
			r.Post("/{source}", h.providerWebhook)
			r.Post("/{source}/{event}", h.providerWebhook)
		})
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(bearerAuth(d.AdminToken))
		if d.Records != nil {
			r.Post("/records", h.createRecord)
			r.Post("/records/{id}/retry", h.retryRecord)
		}
		if d.Reader != nil {
			r.Get("/records/{id}", h.getRecord)
		}
		if d.Breakers != nil {
			r.Get("/circuits", h.listCircuits)
			r.Get("/circuits/{provider}", h.getCircuit)
			r.Post("/circuits/{provider}/reset", h.resetCircuit)
			r.Post("/circuits/{provider}/open", h.openCircuit)
		}
		if d.Stats != nil {
			r.Get("/stats", h.stats)
		}
	})

	return r
}

// bearerAuth rejects requests without the admin token. An empty token
// disables the admin API.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, "admin api disabled")
				return
			}
			if !tokenMatches(token, bearer(r)) {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// observe records request counts and latency by route pattern.
func observe(m *monitoring.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTP(r.Method, route, status, time.Since(start))
		})
	}
}

// recoverer turns handler panics into a 500 and logs them.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zap.L().Error("server: handler panic",
					zap.String("path", r.URL.Path),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
