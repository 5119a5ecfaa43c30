package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/service/admission"
	"github.com/krobus00/stream-gateway/internal/service/dispatcher"
	"github.com/krobus00/stream-gateway/internal/service/pool"
)

const maxBatchBody = 1 << 20

type GatewayStatus interface {
	Source() entity.ServerSource
	HealthCheck() entity.HealthReport
	IsReadyForMigration(ctx context.Context) entity.MigrationReadiness
}

type ClientStats interface {
	Count() int
	Topics() []string
}

type PoolStats interface {
	Stats() []pool.ProviderStats
}

type ProviderList interface {
	Providers() []entity.ProviderRegistration
}

type FlagHealth interface {
	GetHealthStatus(ctx context.Context) entity.FlagHealthStatus
}

type BatchFetcher interface {
	FetchBatch(ctx context.Context, reqs []dispatcher.Request) []dispatcher.Result
	BatchMaxSize() int
}

type Admitter interface {
	AdmitRequest(ctx context.Context, payload *admission.PayloadCredentials, headers http.Header, query url.Values) admission.Decision
}

type BatchRequest struct {
	Requests []dispatcher.Request `json:"requests"`
}

type BatchResponse struct {
	Results []dispatcher.Result `json:"results"`
}

type providerInfo struct {
	Name         string   `json:"name"`
	Priority     int      `json:"priority"`
	Capabilities []string `json:"capabilities"`
}

type StatsResponse struct {
	Source           entity.ServerSource  `json:"source"`
	ConnectedClients int                  `json:"connected_clients"`
	TopicCount       int                  `json:"topic_count"`
	Pool             []pool.ProviderStats `json:"pool"`
	Providers        []providerInfo       `json:"providers"`
}

type Handler struct {
	gateway   GatewayStatus
	clients   ClientStats
	pool      PoolStats
	providers ProviderList
	flags     FlagHealth
	batch     BatchFetcher
	admission Admitter
}

func NewOpsHTTPHandler(gateway GatewayStatus, clients ClientStats, poolStats PoolStats, providers ProviderList, flags FlagHealth, batch BatchFetcher, admitter Admitter) *Handler {
	return &Handler{
		gateway:   gateway,
		clients:   clients,
		pool:      poolStats,
		providers: providers,
		flags:     flags,
		batch:     batch,
		admission: admitter,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Liveness)
	mux.HandleFunc("/readyz", h.Readiness)
	mux.HandleFunc("/ops/v1/health", h.Health)
	mux.HandleFunc("/ops/v1/stats", h.Stats)
	mux.HandleFunc("/ops/v1/migration-readiness", h.MigrationReadiness)
	mux.HandleFunc("/market-data/v1/batch", h.FetchBatch)
	mux.Handle("/metrics", infrastructure.MetricsHandler())
}

func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Readiness fails only when no stream server is serving.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	report := h.gateway.HealthCheck()
	if report.Status == entity.HealthStatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": report.Status, "message": report.Message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": report.Status})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	report := h.gateway.HealthCheck()
	code := http.StatusOK
	if report.Status == entity.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"server":        report,
		"feature_flags": h.flags.GetHealthStatus(r.Context()),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	registrations := h.providers.Providers()
	providers := make([]providerInfo, 0, len(registrations))
	for _, reg := range registrations {
		info := providerInfo{Name: reg.Name, Priority: reg.Priority, Capabilities: make([]string, 0, len(reg.Capabilities))}
		for name := range reg.Capabilities {
			info.Capabilities = append(info.Capabilities, name)
		}
		providers = append(providers, info)
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Source:           h.gateway.Source(),
		ConnectedClients: h.clients.Count(),
		TopicCount:       len(h.clients.Topics()),
		Pool:             h.pool.Stats(),
		Providers:        providers,
	})
}

// MigrationReadiness always answers 200; not being ready is informational.
func (h *Handler) MigrationReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, h.gateway.IsReadyForMigration(r.Context()))
}

func (h *Handler) FetchBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	decision := h.admission.AdmitRequest(r.Context(), nil, r.Header, r.URL.Query())
	if !decision.Allowed {
		writeJSON(w, admissionStatus(decision.Err), map[string]any{"error": admission.Reason(decision.Err)})
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if len(req.Requests) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "at least one request is required"})
		return
	}
	if len(req.Requests) > h.batch.BatchMaxSize() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "too many requests in batch"})
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{Results: h.batch.FetchBatch(r.Context(), req.Requests)})
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, admission.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, admission.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
