package admission

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"golang.org/x/crypto/bcrypt"
)

var (
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

// KeyStore validates an API key and access token pair.
type KeyStore interface {
	Validate(ctx context.Context, key, token string) (*entity.AuthIdentity, error)
}

type TokenVerifier interface {
	Verify(token string) (*entity.AuthIdentity, error)
}

// CredentialValidator is the IdentityStore used by the pipeline. Either
// side may be nil, in which case that credential shape never matches.
type CredentialValidator struct {
	keys   KeyStore
	tokens TokenVerifier
}

func NewCredentialValidator(keys KeyStore, tokens TokenVerifier) *CredentialValidator {
	return &CredentialValidator{keys: keys, tokens: tokens}
}

func (v *CredentialValidator) ValidateCredentials(ctx context.Context, key, token string) (*entity.AuthIdentity, error) {
	if v.keys == nil {
		return nil, nil
	}
	return v.keys.Validate(ctx, key, token)
}

func (v *CredentialValidator) ValidateBearerToken(_ context.Context, token string) (*entity.AuthIdentity, error) {
	if v.tokens == nil {
		return nil, nil
	}
	return v.tokens.Verify(token)
}

// ConfigKeyStore validates against the api_keys section of the config file.
type ConfigKeyStore struct {
	keys          []config.APIKeyConfig
	defaultPolicy *entity.RateLimitPolicy
	now           func() time.Time
}

func NewConfigKeyStore(keys []config.APIKeyConfig, defaultPolicy *entity.RateLimitPolicy) *ConfigKeyStore {
	return &ConfigKeyStore{keys: keys, defaultPolicy: defaultPolicy, now: time.Now}
}

func (s *ConfigKeyStore) Validate(_ context.Context, key, token string) (*entity.AuthIdentity, error) {
	key = strings.TrimSpace(key)
	token = strings.TrimSpace(token)

	now := s.now().UTC()
	for _, candidate := range s.keys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(storedKey)) != 1 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(strings.TrimSpace(candidate.AccessToken))) != 1 {
			return nil, nil
		}

		if !candidate.Active {
			return nil, errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return nil, err
		}
		if hasExpiry && !now.Before(expiredAt) {
			return nil, errAPIKeyExpired
		}

		policy := s.defaultPolicy
		if candidate.RateLimit > 0 {
			window := candidate.RateWindow
			if window <= 0 {
				window = time.Minute
			}
			policy = &entity.RateLimitPolicy{Limit: candidate.RateLimit, Window: window}
		}

		id := candidate.ID
		if id == "" {
			id = candidate.Name
		}
		return entity.NewAuthIdentity(id, candidate.Name, candidate.Permissions, policy), nil
	}

	return nil, nil
}

type APIKeyLookup interface {
	FindByKey(ctx context.Context, key string) (*entity.APIKey, error)
}

// PostgresKeyStore validates against the api_keys table where access tokens
// are stored as bcrypt hashes.
type PostgresKeyStore struct {
	lookup        APIKeyLookup
	defaultPolicy *entity.RateLimitPolicy
	now           func() time.Time
}

func NewPostgresKeyStore(lookup APIKeyLookup, defaultPolicy *entity.RateLimitPolicy) *PostgresKeyStore {
	return &PostgresKeyStore{lookup: lookup, defaultPolicy: defaultPolicy, now: time.Now}
}

func (s *PostgresKeyStore) Validate(ctx context.Context, key, token string) (*entity.AuthIdentity, error) {
	apiKey, err := s.lookup.FindByKey(ctx, strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	if apiKey == nil {
		return nil, nil
	}

	if err := bcrypt.CompareHashAndPassword([]byte(apiKey.AccessTokenHash), []byte(strings.TrimSpace(token))); err != nil {
		return nil, nil
	}

	if !apiKey.Active {
		return nil, errAPIKeyInactive
	}
	if apiKey.ExpiredAt.Valid && !s.now().Before(apiKey.ExpiredAt.Time) {
		return nil, errAPIKeyExpired
	}

	identity := apiKey.ToIdentity()
	if identity.RateLimitPolicy == nil {
		identity.RateLimitPolicy = s.defaultPolicy
	}
	return identity, nil
}

// HashAccessToken produces the value stored in api_keys.access_token_hash.
func HashAccessToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
