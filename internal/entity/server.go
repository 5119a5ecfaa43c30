package entity

type ServerSource string

const (
	ServerSourceNone    ServerSource = "NONE"
	ServerSourceLegacy  ServerSource = "LEGACY"
	ServerSourceGateway ServerSource = "GATEWAY"
)

// StreamServer is the live delivery channel behind the gateway server provider.
// Both the legacy direct-attach server and the integrated gateway server satisfy it.
type StreamServer interface {
	Path() string
	Initialized() bool
	ConnectedClients() int
	Topics() ([]string, error)
	IsConnected(clientID string) bool
	SendToClient(clientID, event string, payload any) error
	SendToRoom(room, event string, payload any) error
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthReport struct {
	Status           HealthStatus `json:"status"`
	Source           ServerSource `json:"source"`
	Message          string       `json:"message,omitempty"`
	ConnectedClients int          `json:"connected_clients"`
	ActiveTopics     int          `json:"active_topics"`
	Path             string       `json:"path,omitempty"`
}

type MigrationReadiness struct {
	Ready   bool                `json:"ready"`
	Reason  string              `json:"reason,omitempty"`
	Flags   FeatureFlagSnapshot `json:"flags"`
	Health  *HealthReport       `json:"health,omitempty"`
	Details map[string]any      `json:"details,omitempty"`
}
