package entity

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

type APIKey struct {
	ID                string         `db:"id" json:"id"`
	Name              string         `db:"name" json:"name"`
	Key               string         `db:"api_key" json:"-"`
	AccessTokenHash   string         `db:"access_token_hash" json:"-"`
	Permissions       pq.StringArray `db:"permissions" json:"permissions"`
	RateLimit         sql.NullInt64  `db:"rate_limit" json:"rate_limit"`
	RateWindowSeconds sql.NullInt64  `db:"rate_window_seconds" json:"rate_window_seconds"`
	Active            bool           `db:"active" json:"active"`
	ExpiredAt         sql.NullTime   `db:"expired_at" json:"expired_at"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updated_at"`
}

func (a APIKey) TableName() string {
	return "api_keys"
}

// RateLimitPolicy returns nil when the key has no configured limit.
func (a APIKey) RateLimitPolicy() *RateLimitPolicy {
	if !a.RateLimit.Valid || a.RateLimit.Int64 <= 0 {
		return nil
	}

	window := time.Minute
	if a.RateWindowSeconds.Valid && a.RateWindowSeconds.Int64 > 0 {
		window = time.Duration(a.RateWindowSeconds.Int64) * time.Second
	}

	return &RateLimitPolicy{Limit: int(a.RateLimit.Int64), Window: window}
}

func (a APIKey) ToIdentity() *AuthIdentity {
	return NewAuthIdentity(a.ID, a.Name, a.Permissions, a.RateLimitPolicy())
}

type QuotaResult struct {
	Allowed bool  `json:"allowed"`
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}
