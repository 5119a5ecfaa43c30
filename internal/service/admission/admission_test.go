package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentityStore struct {
	keyIdentity    *entity.AuthIdentity
	bearerIdentity *entity.AuthIdentity
	err            error
	keyCalls       int
	bearerCalls    int
}

func (f *fakeIdentityStore) ValidateCredentials(_ context.Context, _, _ string) (*entity.AuthIdentity, error) {
	f.keyCalls++
	return f.keyIdentity, f.err
}

func (f *fakeIdentityStore) ValidateBearerToken(_ context.Context, _ string) (*entity.AuthIdentity, error) {
	f.bearerCalls++
	return f.bearerIdentity, f.err
}

type fakeQuota struct {
	result entity.QuotaResult
	err    error
	calls  int
}

func (f *fakeQuota) CheckQuota(_ context.Context, _ *entity.AuthIdentity, _ string) (entity.QuotaResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeCounter struct {
	counts map[string]int64
	err    error
}

func (f *fakeCounter) Increment(_ context.Context, identityID, costKey string, _ time.Duration, _ time.Time) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.counts[identityID+":"+costKey]++
	return f.counts[identityID+":"+costKey], nil
}

func streamIdentity(policy *entity.RateLimitPolicy) *entity.AuthIdentity {
	return entity.NewAuthIdentity("key-1", "desk", []string{"stream:read"}, policy)
}

func keyPair() Credentials {
	return Credentials{APIKey: "ak", AccessToken: "at", Source: SourcePayload}
}

func TestPipeline_DeniesWhenIdentityStoreFails(t *testing.T) {
	store := &fakeIdentityStore{err: errors.New("db down")}
	p := NewPipeline(store, nil, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, ErrUnauthenticated)
	assert.Nil(t, decision.Identity)
}

func TestPipeline_AllowsWhenQuotaServiceFails(t *testing.T) {
	store := &fakeIdentityStore{keyIdentity: streamIdentity(&entity.RateLimitPolicy{Limit: 1, Window: time.Minute})}
	quota := &fakeQuota{err: errors.New("redis down")}
	p := NewPipeline(store, quota, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.True(t, decision.Allowed)
	assert.NoError(t, decision.Err)
	assert.Equal(t, 1, quota.calls)
}

func TestPipeline_UnknownIdentity(t *testing.T) {
	p := NewPipeline(&fakeIdentityStore{}, nil, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, ErrIdentityNotFound)
}

func TestPipeline_AuthorizeRequiresStreamingPermission(t *testing.T) {
	store := &fakeIdentityStore{keyIdentity: entity.NewAuthIdentity("key-1", "desk", []string{"market_data:fetch"}, nil)}
	quota := &fakeQuota{result: entity.QuotaResult{Allowed: true}}
	p := NewPipeline(store, quota, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, ErrUnauthorized)
	assert.Equal(t, 0, quota.calls, "rate limit is not consulted after an authorization failure")
}

func TestPipeline_RateLimited(t *testing.T) {
	store := &fakeIdentityStore{keyIdentity: streamIdentity(&entity.RateLimitPolicy{Limit: 2, Window: time.Minute})}
	quota := &fakeQuota{result: entity.QuotaResult{Allowed: false, Limit: 2, Current: 3}}
	p := NewPipeline(store, quota, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, ErrRateLimited)
	require.NotNil(t, decision.Identity)
	assert.Equal(t, "key-1", decision.Identity.ID)
}

func TestPipeline_NoPolicySkipsQuota(t *testing.T) {
	store := &fakeIdentityStore{keyIdentity: streamIdentity(nil)}
	quota := &fakeQuota{err: errors.New("should not be called")}
	p := NewPipeline(store, quota, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.True(t, decision.Allowed)
	assert.Equal(t, 0, quota.calls)
}

func TestPipeline_AdmitRequestPrefersBearerAndWarns(t *testing.T) {
	store := &fakeIdentityStore{
		keyIdentity:    streamIdentity(nil),
		bearerIdentity: entity.NewAuthIdentity("jwt-user", "", []string{"stream:subscribe"}, nil),
	}
	p := NewPipeline(store, nil, Config{})

	headers := http.Header{}
	headers.Set("Authorization", "Bearer abc")
	headers.Set(HeaderAPIKey, "ak")
	headers.Set(HeaderAccessToken, "at")

	decision := p.AdmitRequest(context.Background(), nil, headers, nil)

	require.True(t, decision.Allowed)
	assert.Equal(t, "jwt-user", decision.Identity.ID)
	assert.Len(t, decision.Warnings, 1)
	assert.Equal(t, 1, store.bearerCalls)
	assert.Equal(t, 0, store.keyCalls)
}

func TestPipeline_AdmitRequestMissingCredentials(t *testing.T) {
	store := &fakeIdentityStore{keyIdentity: streamIdentity(nil)}
	p := NewPipeline(store, nil, Config{})

	decision := p.AdmitRequest(context.Background(), &PayloadCredentials{}, http.Header{}, url.Values{})

	assert.False(t, decision.Allowed)
	assert.ErrorIs(t, decision.Err, ErrCredentialsMissing)
	assert.Equal(t, 0, store.keyCalls)
}

func TestExtractCredentials_SourcePrecedence(t *testing.T) {
	headers := http.Header{}
	headers.Set(HeaderAPIKey, "header-key")
	headers.Set(HeaderAccessToken, "header-token")
	query := url.Values{}
	query.Set(QueryToken, "query-jwt")

	creds, _, err := ExtractCredentials(&PayloadCredentials{APIKey: "payload-key", AccessToken: "payload-token"}, headers, query)
	require.NoError(t, err)
	assert.Equal(t, SourcePayload, creds.Source)
	assert.Equal(t, "payload-key", creds.APIKey)

	creds, _, err = ExtractCredentials(nil, headers, query)
	require.NoError(t, err)
	assert.Equal(t, SourceHeader, creds.Source)
	assert.Equal(t, "header-key", creds.APIKey)

	creds, _, err = ExtractCredentials(nil, nil, query)
	require.NoError(t, err)
	assert.Equal(t, SourceQuery, creds.Source)
	assert.True(t, creds.IsBearer())
}

func TestExtractCredentials_Malformed(t *testing.T) {
	_, _, err := ExtractCredentials(&PayloadCredentials{APIKey: "only-key"}, nil, nil)
	assert.ErrorIs(t, err, ErrCredentialsMalformed)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	headers := http.Header{}
	headers.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, _, err = ExtractCredentials(nil, headers, nil)
	assert.ErrorIs(t, err, ErrCredentialsMalformed)
}

func TestConfigKeyStore_Validate(t *testing.T) {
	defaultPolicy := &entity.RateLimitPolicy{Limit: 100, Window: time.Minute}
	store := NewConfigKeyStore([]config.APIKeyConfig{
		{ID: "k1", Name: "desk", Key: "ak-1", AccessToken: "at-1", Permissions: []string{"stream:read"}, Active: true},
		{ID: "k2", Name: "limited", Key: "ak-2", AccessToken: "at-2", Active: true, RateLimit: 5, RateWindow: 10 * time.Second},
		{ID: "k3", Name: "off", Key: "ak-3", AccessToken: "at-3", Active: false},
		{ID: "k4", Name: "old", Key: "ak-4", AccessToken: "at-4", Active: true, ExpiredAt: "2020-01-01"},
	}, defaultPolicy)
	store.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	identity, err := store.Validate(ctx, "ak-1", "at-1")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "k1", identity.ID)
	assert.Equal(t, defaultPolicy, identity.RateLimitPolicy)

	identity, err = store.Validate(ctx, "ak-2", "at-2")
	require.NoError(t, err)
	assert.Equal(t, &entity.RateLimitPolicy{Limit: 5, Window: 10 * time.Second}, identity.RateLimitPolicy)

	identity, err = store.Validate(ctx, "ak-1", "wrong")
	assert.NoError(t, err)
	assert.Nil(t, identity)

	_, err = store.Validate(ctx, "ak-3", "at-3")
	assert.ErrorIs(t, err, errAPIKeyInactive)

	_, err = store.Validate(ctx, "ak-4", "at-4")
	assert.ErrorIs(t, err, errAPIKeyExpired)
}

type fakeKeyLookup struct {
	key *entity.APIKey
}

func (f *fakeKeyLookup) FindByKey(_ context.Context, _ string) (*entity.APIKey, error) {
	return f.key, nil
}

func TestPostgresKeyStore_ComparesHashedToken(t *testing.T) {
	hash, err := HashAccessToken("secret-token")
	require.NoError(t, err)

	store := NewPostgresKeyStore(&fakeKeyLookup{key: &entity.APIKey{
		ID:              "db-1",
		Name:            "desk",
		AccessTokenHash: hash,
		Permissions:     []string{"stream:read"},
		Active:          true,
	}}, nil)

	identity, err := store.Validate(context.Background(), "ak", "secret-token")
	require.NoError(t, err)
	require.NotNil(t, identity)
	assert.Equal(t, "db-1", identity.ID)

	identity, err = store.Validate(context.Background(), "ak", "nope")
	assert.NoError(t, err)
	assert.Nil(t, identity)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	verifier := NewJWTVerifier([]byte("test-secret"), nil)

	token, err := verifier.Generate("user-1", "desk", []string{"stream:subscribe"}, time.Hour)
	require.NoError(t, err)

	identity, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ID)
	assert.True(t, identity.HasAnyPermission([]entity.Permission{entity.PermissionStreamSubscribe}))

	_, err = NewJWTVerifier([]byte("other-secret"), nil).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := verifier.Generate("user-1", "desk", nil, -time.Minute)
	require.NoError(t, err)
	_, err = verifier.Verify(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestQuotaService_CheckQuota(t *testing.T) {
	svc := NewQuotaService(&fakeCounter{counts: map[string]int64{}})
	identity := streamIdentity(&entity.RateLimitPolicy{Limit: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.CheckQuota(ctx, identity, "stream")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := svc.CheckQuota(ctx, identity, "stream")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Current)
	assert.Equal(t, int64(2), res.Limit)

	res, err = svc.CheckQuota(ctx, streamIdentity(nil), "stream")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestReason_HidesLookupDetails(t *testing.T) {
	p := NewPipeline(&fakeIdentityStore{err: errors.New("pq: connection refused to 10.0.0.5")}, nil, Config{})

	decision := p.Admit(context.Background(), keyPair())

	assert.Equal(t, "unauthenticated", Reason(decision.Err))
	assert.Equal(t, "rate limited", Reason(fmt.Errorf("%w: 3 of 2 used", ErrRateLimited)))
	assert.Contains(t, Reason(ErrCredentialsMissing), "credentials are required")
}
