package entity

type AutoRollbackThresholds struct {
	ErrorRate        float64 `json:"error_rate" mapstructure:"error_rate"`
	LatencyP99Millis int64   `json:"latency_p99_ms" mapstructure:"latency_p99_ms"`
	MinClients       int     `json:"min_clients" mapstructure:"min_clients"`
}

// FeatureFlagSnapshot is read once per check and never cached across calls.
type FeatureFlagSnapshot struct {
	GatewayOnlyMode        bool                   `json:"gateway_only_mode"`
	StrictMode             bool                   `json:"strict_mode"`
	LegacyFallbackAllowed  bool                   `json:"legacy_fallback_allowed"`
	AutoRollbackThresholds AutoRollbackThresholds `json:"auto_rollback_thresholds"`
}

type FlagHealthStatusCode string

const (
	FlagHealthHealthy  FlagHealthStatusCode = "healthy"
	FlagHealthWarning  FlagHealthStatusCode = "warning"
	FlagHealthCritical FlagHealthStatusCode = "critical"
)

type FlagHealthStatus struct {
	Status          FlagHealthStatusCode `json:"status"`
	Recommendations []string             `json:"recommendations,omitempty"`
}
