// Package httpapi mounts the relay's side HTTP endpoints (§6): the NIP-11-
// style relay-information document, liveness/readiness probes, Prometheus
// metrics, and the security status/audit introspection endpoints.
// Grounded on the teacher's pkg/protocol/openapi (huma.Register operations
// over a servemux.S) and servemux.S's permissive CORS header-setting,
// generalized here to go-chi/chi/v5 plus github.com/rs/cors, matching the
// chi+huma combination huma/v2 documents for its chi adapter.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"novarelay.dev/internal/metrics"
	"novarelay.dev/internal/security"
)

// InfoDocument is the NIP-11-style relay-information document served at
// GET / with Content-Type application/nostr+json (§6, SPEC_FULL.md
// SUPPLEMENTED FEATURES).
type InfoDocument struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Pubkey        string     `json:"pubkey,omitempty"`
	Contact       string     `json:"contact,omitempty"`
	SupportedNIPs []int      `json:"supported_nips"`
	Software      string     `json:"software"`
	Version       string     `json:"version"`
	Limitation    Limitation `json:"limitation"`
}

// Limitation mirrors the caps in §6 Configuration.
type Limitation struct {
	MaxMessageLength int  `json:"max_message_length"`
	MaxSubscriptions int  `json:"max_subscriptions"`
	MaxLimit         int  `json:"max_limit"`
	MaxEventTags     int  `json:"max_event_tags"`
	MaxContentLength int  `json:"max_content_length"`
	AuthRequired     bool `json:"auth_required"`
	PaymentRequired  bool `json:"payment_required"`
	MinPowDifficulty int  `json:"min_pow_difficulty,omitempty"`
}

// Deps bundles what the side endpoints need beyond static config.
type Deps struct {
	Info     InfoDocument
	Security *security.Policy
}

type emptyInput struct{}

type statusOutput struct {
	Body security.Counts
}

type auditEntry struct {
	ConnID   string    `json:"conn_id"`
	Severity int       `json:"severity"`
	At       time.Time `json:"at"`
}

type auditOutput struct {
	Body []auditEntry
}

// NewRouter builds the chi router serving every §6 side endpoint.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})

	r.With(corsHandler.Handler).Get("/", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/nostr+json")
		_ = writeJSON(w, deps.Info)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	api := humachi.New(r, huma.DefaultConfig("novarelay", "1.0.0"))
	huma.Register(api, huma.Operation{
		OperationID: "securityStatus",
		Method:      http.MethodGet,
		Path:        "/security/status",
		Summary:     "Current tracked/banned/throttled connection counts",
		Tags:        []string{"security"},
	}, func(_ context.Context, _ *emptyInput) (*statusOutput, error) {
		return &statusOutput{Body: deps.Security.Counts(time.Now())}, nil
	})
	huma.Register(api, huma.Operation{
		OperationID: "securityAudit",
		Method:      http.MethodGet,
		Path:        "/security/audit",
		Summary:     "Recent violation log across all connections",
		Tags:        []string{"security"},
	}, func(_ context.Context, _ *emptyInput) (*auditOutput, error) {
		entries := deps.Security.RecentAudit(time.Hour, time.Now())
		out := make([]auditEntry, len(entries))
		for i, e := range entries {
			out[i] = auditEntry{ConnID: e.ConnID, Severity: e.Severity, At: e.At}
		}
		return &auditOutput{Body: out}, nil
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}
