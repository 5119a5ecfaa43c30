package gatewayserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

var ErrMigrationNotReady = errors.New("migration not ready")

// FlagService is read on every call; results are never cached. Evaluate
// returns the snapshot and its health from a single store read.
type FlagService interface {
	Evaluate(ctx context.Context) (entity.FeatureFlagSnapshot, entity.FlagHealthStatus, error)
	IsGatewayOnlyModeEnabled(ctx context.Context) bool
}

type state struct {
	source  entity.ServerSource
	legacy  entity.StreamServer
	gateway entity.StreamServer
}

func (s *state) active() entity.StreamServer {
	switch s.source {
	case entity.ServerSourceGateway:
		return s.gateway
	case entity.ServerSourceLegacy:
		return s.legacy
	default:
		return nil
	}
}

// Provider routes delivery to exactly one live server. GATEWAY always takes
// precedence over LEGACY. Readers load the state atomically so a broadcast
// never observes a half-applied transition.
type Provider struct {
	mu    sync.Mutex
	state atomic.Pointer[state]
	flags FlagService
}

func NewProvider(flags FlagService) *Provider {
	p := &Provider{flags: flags}
	p.state.Store(&state{source: entity.ServerSourceNone})
	return p
}

func (p *Provider) SetLegacyServer(server entity.StreamServer) {
	p.transition(func(next *state) {
		next.legacy = server
		if next.gateway != nil {
			logrus.Info("gateway server already active, legacy server stored inactive")
			return
		}
		if server != nil {
			next.source = entity.ServerSourceLegacy
		} else {
			next.source = entity.ServerSourceNone
		}
	})
}

func (p *Provider) SetGatewayServer(server entity.StreamServer) {
	p.transition(func(next *state) {
		next.gateway = server
		switch {
		case server != nil:
			next.source = entity.ServerSourceGateway
		case next.legacy != nil:
			next.source = entity.ServerSourceLegacy
		default:
			next.source = entity.ServerSourceNone
		}
	})
}

func (p *Provider) Reset() {
	p.transition(func(next *state) {
		*next = state{source: entity.ServerSourceNone}
	})
}

func (p *Provider) transition(apply func(next *state)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.state.Load()
	next := *current
	apply(&next)
	p.state.Store(&next)

	if current.source != next.source {
		logrus.WithFields(logrus.Fields{
			"from": current.source,
			"to":   next.source,
		}).Info("gateway server source changed")
	}
}

// Server returns the active server, or nil when the source is NONE.
func (p *Provider) Server() entity.StreamServer {
	return p.state.Load().active()
}

func (p *Provider) Source() entity.ServerSource {
	return p.state.Load().source
}

// ActivePath is the mount path of the active server.
func (p *Provider) ActivePath() (string, bool) {
	server := p.Server()
	if server == nil {
		return "", false
	}

	var path string
	err := safeCall(func() error {
		path = server.Path()
		return nil
	})
	if err != nil {
		return "", false
	}
	return path, true
}

// IsActivePath reports whether clients attached at path are served by the
// active server.
func (p *Provider) IsActivePath(path string) bool {
	active, ok := p.ActivePath()
	return ok && active == path
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	source := p.Source()
	if source == entity.ServerSourceNone {
		return false
	}

	if source == entity.ServerSourceLegacy && p.flags != nil && p.flags.IsGatewayOnlyModeEnabled(ctx) {
		logrus.Warn("gateway only mode is enabled but traffic is served by the legacy server")
	}
	return true
}

// Emit sends to one client. It reports false when no server is active, the
// client is not connected, or the send fails.
func (p *Provider) Emit(clientID, event string, payload any) bool {
	server := p.Server()
	if server == nil {
		logrus.WithField("client_id", clientID).Debug("emit skipped, no server available")
		return false
	}
	if !server.IsConnected(clientID) {
		return false
	}

	err := safeCall(func() error {
		return server.SendToClient(clientID, event, payload)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"client_id": clientID,
			"event":     event,
		}).Warnf("emit failed: %v", err)
		return false
	}
	return true
}

func (p *Provider) Broadcast(room, event string, payload any) bool {
	server := p.Server()
	if server == nil {
		logrus.WithField("room", room).Debug("broadcast skipped, no server available")
		return false
	}

	err := safeCall(func() error {
		return server.SendToRoom(room, event, payload)
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"room":  room,
			"event": event,
		}).Warnf("broadcast failed: %v", err)
		return false
	}
	return true
}

func (p *Provider) HealthCheck() entity.HealthReport {
	st := p.state.Load()
	server := st.active()
	if server == nil {
		return entity.HealthReport{
			Status:  entity.HealthStatusUnhealthy,
			Source:  st.source,
			Message: "no stream server configured",
		}
	}

	report := entity.HealthReport{
		Status:           entity.HealthStatusHealthy,
		Source:           st.source,
		Path:             server.Path(),
		ConnectedClients: server.ConnectedClients(),
	}

	if !server.Initialized() {
		report.Status = entity.HealthStatusDegraded
		report.Message = "stream server is not initialized"
		return report
	}

	var topics []string
	err := safeCall(func() error {
		var err error
		topics, err = server.Topics()
		return err
	})
	if err != nil {
		report.Message = fmt.Sprintf("list topics: %v", err)
		return report
	}
	report.ActiveTopics = len(topics)

	return report
}

// IsReadyForMigration is the gate for retiring the legacy server. Checks run
// in priority order and the first failure is reported as the reason.
func (p *Provider) IsReadyForMigration(ctx context.Context) entity.MigrationReadiness {
	readiness := entity.MigrationReadiness{Details: map[string]any{}}
	if p.flags == nil {
		readiness.Reason = "feature flag service is not configured"
		return readiness
	}

	// every flag decision below uses this one snapshot
	snapshot, flagHealth, err := p.flags.Evaluate(ctx)
	readiness.Flags = snapshot
	readiness.Details["flag_health"] = flagHealth
	if err != nil {
		readiness.Details["flags_error"] = err.Error()
	}

	if flagHealth.Status == entity.FlagHealthCritical {
		return notReady(readiness, "feature flag subsystem is critical")
	}

	if !snapshot.GatewayOnlyMode {
		return notReady(readiness, "gateway only mode is disabled")
	}

	if snapshot.StrictMode && snapshot.LegacyFallbackAllowed {
		return notReady(readiness, "strict mode is enabled while legacy fallback is allowed")
	}

	health := p.HealthCheck()
	readiness.Health = &health
	if health.Status != entity.HealthStatusHealthy {
		return notReady(readiness, fmt.Sprintf("stream server health is %s", health.Status))
	}

	gateway := p.state.Load().gateway
	if gateway == nil {
		return notReady(readiness, "gateway server is not set")
	}

	var (
		path   string
		topics []string
	)
	err = safeCall(func() error {
		path = gateway.Path()
		var err error
		topics, err = gateway.Topics()
		return err
	})
	if err != nil {
		return notReady(readiness, fmt.Sprintf("gateway self-check failed: %v", err))
	}

	clients := gateway.ConnectedClients()
	if clients < 0 {
		return notReady(readiness, fmt.Sprintf("gateway reports a negative client count %d", clients))
	}

	readiness.Ready = true
	readiness.Details["gateway_path"] = path
	readiness.Details["gateway_topics"] = len(topics)
	readiness.Details["gateway_clients"] = clients
	readiness.Details["auto_rollback_thresholds"] = snapshot.AutoRollbackThresholds

	logrus.WithFields(logrus.Fields{
		"path":    path,
		"topics":  len(topics),
		"clients": clients,
	}).Info("gateway ready for migration")

	return readiness
}

func notReady(readiness entity.MigrationReadiness, reason string) entity.MigrationReadiness {
	readiness.Ready = false
	readiness.Reason = reason
	logrus.WithField("reason", reason).Info("gateway not ready for migration")
	return readiness
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()
	return fn()
}
