package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/sirupsen/logrus"
)

const defaultCostKey = "stream"

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")

	ErrCredentialsMissing   = fmt.Errorf("%w: credentials are required", ErrUnauthenticated)
	ErrCredentialsMalformed = fmt.Errorf("%w: malformed credentials", ErrUnauthenticated)
	ErrIdentityNotFound     = fmt.Errorf("%w: no identity matches the credentials", ErrUnauthenticated)
)

// IdentityStore resolves credentials to an identity. A nil identity with a
// nil error means no match.
type IdentityStore interface {
	ValidateCredentials(ctx context.Context, key, token string) (*entity.AuthIdentity, error)
	ValidateBearerToken(ctx context.Context, token string) (*entity.AuthIdentity, error)
}

type QuotaStore interface {
	CheckQuota(ctx context.Context, identity *entity.AuthIdentity, costKey string) (entity.QuotaResult, error)
}

type Decision struct {
	Allowed  bool
	Identity *entity.AuthIdentity
	Err      error
	Warnings []string
}

type Config struct {
	RequiredPermissions []entity.Permission
	CostKey             string
}

// Pipeline runs authenticate, authorize and rate limit in order and stops at
// the first denial. Authentication fails closed; rate limiting fails open.
type Pipeline struct {
	identities IdentityStore
	quota      QuotaStore
	cfg        Config
}

func NewPipeline(identities IdentityStore, quota QuotaStore, cfg Config) *Pipeline {
	if len(cfg.RequiredPermissions) == 0 {
		cfg.RequiredPermissions = []entity.Permission{
			entity.PermissionStreamRead,
			entity.PermissionStreamSubscribe,
		}
	}
	if cfg.CostKey == "" {
		cfg.CostKey = defaultCostKey
	}

	return &Pipeline{
		identities: identities,
		quota:      quota,
		cfg:        cfg,
	}
}

func (p *Pipeline) RequiredPermissions() []entity.Permission {
	return p.cfg.RequiredPermissions
}

// AdmitRequest extracts credentials from the message payload, handshake
// headers or handshake query and admits them.
func (p *Pipeline) AdmitRequest(ctx context.Context, payload *PayloadCredentials, headers http.Header, query url.Values) Decision {
	creds, warnings, err := ExtractCredentials(payload, headers, query)
	if err != nil {
		return p.deny(creds, nil, err, warnings)
	}

	decision := p.Admit(ctx, creds)
	decision.Warnings = append(warnings, decision.Warnings...)
	return decision
}

func (p *Pipeline) Admit(ctx context.Context, creds Credentials) Decision {
	identity, err := p.Authenticate(ctx, creds)
	if err != nil {
		return p.deny(creds, nil, err, nil)
	}

	if err := p.Authorize(identity); err != nil {
		return p.deny(creds, identity, err, nil)
	}

	if err := p.RateLimit(ctx, identity); err != nil {
		return p.deny(creds, identity, err, nil)
	}

	infrastructure.AdmissionTotal.WithLabelValues("allowed").Inc()
	return Decision{Allowed: true, Identity: identity}
}

func (p *Pipeline) Authenticate(ctx context.Context, creds Credentials) (*entity.AuthIdentity, error) {
	var (
		identity *entity.AuthIdentity
		err      error
	)

	switch {
	case creds.IsBearer():
		identity, err = p.identities.ValidateBearerToken(ctx, creds.BearerToken)
	case creds.APIKey != "" && creds.AccessToken != "":
		identity, err = p.identities.ValidateCredentials(ctx, creds.APIKey, creds.AccessToken)
	default:
		return nil, ErrCredentialsMissing
	}

	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: identity lookup failed: %w", ErrUnauthenticated, err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}

	return identity, nil
}

func (p *Pipeline) Authorize(identity *entity.AuthIdentity) error {
	if !identity.HasAnyPermission(p.cfg.RequiredPermissions) {
		return fmt.Errorf("%w: identity lacks streaming permission", ErrUnauthorized)
	}
	return nil
}

func (p *Pipeline) RateLimit(ctx context.Context, identity *entity.AuthIdentity) error {
	if identity.RateLimitPolicy == nil || p.quota == nil {
		return nil
	}

	result, err := p.quota.CheckQuota(ctx, identity, p.cfg.CostKey)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"identity_id": identity.ID,
			"cost_key":    p.cfg.CostKey,
		}).Warnf("quota check failed, allowing: %v", err)
		return nil
	}

	if !result.Allowed {
		return fmt.Errorf("%w: %d of %d used", ErrRateLimited, result.Current, result.Limit)
	}
	return nil
}

func (p *Pipeline) deny(creds Credentials, identity *entity.AuthIdentity, err error, warnings []string) Decision {
	outcome := "unauthenticated"
	switch {
	case errors.Is(err, ErrUnauthorized):
		outcome = "unauthorized"
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	}
	infrastructure.AdmissionTotal.WithLabelValues(outcome).Inc()

	fields := logrus.Fields{
		"source":       creds.Source,
		"api_key":      util.MaskSecret(creds.APIKey),
		"access_token": util.MaskSecret(creds.AccessToken),
		"bearer_token": util.MaskSecret(creds.BearerToken),
	}
	if identity != nil {
		fields["identity_id"] = identity.ID
	}
	logrus.WithFields(fields).Warnf("admission denied: %v", err)

	return Decision{Allowed: false, Identity: identity, Err: err, Warnings: warnings}
}

// Reason is the client-facing text for an admission error. Lookup failures
// are reduced to their class so store details never reach the client.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCredentialsMissing), errors.Is(err, ErrCredentialsMalformed), errors.Is(err, ErrExpiredToken):
		return err.Error()
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized.Error()
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited.Error()
	case errors.Is(err, ErrUnauthenticated):
		return ErrUnauthenticated.Error()
	default:
		return err.Error()
	}
}
