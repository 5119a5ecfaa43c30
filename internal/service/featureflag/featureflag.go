package featureflag

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	FieldGatewayOnlyMode       = "gateway_only_mode"
	FieldStrictMode            = "strict_mode"
	FieldLegacyFallbackAllowed = "legacy_fallback_allowed"
	FieldRollbackErrorRate     = "auto_rollback.error_rate"
	FieldRollbackLatencyP99    = "auto_rollback.latency_p99_ms"
	FieldRollbackMinClients    = "auto_rollback.min_clients"
)

var ErrUnknownField = errors.New("unknown feature flag")

// Store holds live flag overrides keyed by field name.
type Store interface {
	GetAll(ctx context.Context) (map[string]string, error)
}

// Service layers live overrides over configured defaults. Every call reads
// the store again; nothing is cached between calls.
type Service struct {
	store    Store
	defaults entity.FeatureFlagSnapshot
}

func NewService(store Store, defaults entity.FeatureFlagSnapshot) *Service {
	return &Service{store: store, defaults: defaults}
}

type evaluation struct {
	snapshot entity.FeatureFlagSnapshot
	storeErr error
	invalid  []string
}

func (s *Service) evaluate(ctx context.Context) evaluation {
	eval := evaluation{snapshot: s.defaults}
	if s.store == nil {
		return eval
	}

	overrides, err := s.store.GetAll(ctx)
	if err != nil {
		logrus.Warnf("read feature flags failed, using defaults: %v", err)
		eval.storeErr = err
		return eval
	}

	for field, raw := range overrides {
		raw = strings.TrimSpace(raw)
		known, parseErr := applyOverride(&eval.snapshot, field, raw)
		if !known {
			continue
		}
		if parseErr != nil {
			eval.invalid = append(eval.invalid, field)
			logrus.WithFields(logrus.Fields{
				"field": field,
				"value": raw,
			}).Warn("ignoring invalid feature flag override")
		}
	}

	return eval
}

// applyOverride parses raw into the snapshot field. Unknown fields report
// false and leave the snapshot untouched.
func applyOverride(snapshot *entity.FeatureFlagSnapshot, field, raw string) (bool, error) {
	var err error
	switch field {
	case FieldGatewayOnlyMode:
		snapshot.GatewayOnlyMode, err = parseBool(raw, snapshot.GatewayOnlyMode)
	case FieldStrictMode:
		snapshot.StrictMode, err = parseBool(raw, snapshot.StrictMode)
	case FieldLegacyFallbackAllowed:
		snapshot.LegacyFallbackAllowed, err = parseBool(raw, snapshot.LegacyFallbackAllowed)
	case FieldRollbackErrorRate:
		var v float64
		if v, err = strconv.ParseFloat(raw, 64); err == nil {
			snapshot.AutoRollbackThresholds.ErrorRate = v
		}
	case FieldRollbackLatencyP99:
		var v int64
		if v, err = strconv.ParseInt(raw, 10, 64); err == nil {
			snapshot.AutoRollbackThresholds.LatencyP99Millis = v
		}
	case FieldRollbackMinClients:
		var v int
		if v, err = strconv.Atoi(raw); err == nil {
			snapshot.AutoRollbackThresholds.MinClients = v
		}
	default:
		return false, nil
	}
	return true, err
}

// ValidateField rejects names the service does not read.
func ValidateField(field string) error {
	if known, _ := applyOverride(&entity.FeatureFlagSnapshot{}, field, ""); !known {
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// ValidateOverride checks that value parses for field, so a stored override
// is never ignored as invalid.
func ValidateOverride(field, value string) error {
	if err := ValidateField(field); err != nil {
		return err
	}
	if _, err := applyOverride(&entity.FeatureFlagSnapshot{}, field, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid value %q for %s: %w", value, field, err)
	}
	return nil
}

func (s *Service) IsGatewayOnlyModeEnabled(ctx context.Context) bool {
	return s.evaluate(ctx).snapshot.GatewayOnlyMode
}

func (s *Service) IsStrictModeEnabled(ctx context.Context) bool {
	return s.evaluate(ctx).snapshot.StrictMode
}

func (s *Service) IsLegacyFallbackAllowed(ctx context.Context) bool {
	return s.evaluate(ctx).snapshot.LegacyFallbackAllowed
}

// Evaluate reads the store once and returns the snapshot together with the
// flag health derived from that same read.
func (s *Service) Evaluate(ctx context.Context) (entity.FeatureFlagSnapshot, entity.FlagHealthStatus, error) {
	eval := s.evaluate(ctx)
	health := eval.health()
	if eval.storeErr != nil {
		return eval.snapshot, health, fmt.Errorf("read feature flags: %w", eval.storeErr)
	}
	return eval.snapshot, health, nil
}

// GetHealthStatus is critical when flags cannot be read at all and a warning
// for inconsistent or unparsable values.
func (s *Service) GetHealthStatus(ctx context.Context) entity.FlagHealthStatus {
	return s.evaluate(ctx).health()
}

func (eval evaluation) health() entity.FlagHealthStatus {
	if eval.storeErr != nil {
		return entity.FlagHealthStatus{
			Status:          entity.FlagHealthCritical,
			Recommendations: []string{"feature flag store unreachable, restore redis connectivity before migrating"},
		}
	}

	recommendations := make([]string, 0)
	for _, field := range eval.invalid {
		recommendations = append(recommendations, fmt.Sprintf("fix invalid value for %s", field))
	}

	snapshot := eval.snapshot
	if snapshot.StrictMode && snapshot.LegacyFallbackAllowed {
		recommendations = append(recommendations, "strict mode conflicts with legacy fallback, disable one of them")
	}
	if snapshot.StrictMode && !snapshot.GatewayOnlyMode {
		recommendations = append(recommendations, "strict mode has no effect until gateway only mode is enabled")
	}

	thresholds := snapshot.AutoRollbackThresholds
	if thresholds.ErrorRate < 0 || thresholds.ErrorRate > 1 {
		recommendations = append(recommendations, "auto rollback error rate must be between 0 and 1")
	}
	if thresholds.LatencyP99Millis < 0 {
		recommendations = append(recommendations, "auto rollback p99 latency must not be negative")
	}
	if thresholds.MinClients < 0 {
		recommendations = append(recommendations, "auto rollback minimum clients must not be negative")
	}

	if len(recommendations) > 0 {
		return entity.FlagHealthStatus{Status: entity.FlagHealthWarning, Recommendations: recommendations}
	}
	return entity.FlagHealthStatus{Status: entity.FlagHealthHealthy}
}

func parseBool(raw string, fallback bool) (bool, error) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, err
	}
	return v, nil
}
