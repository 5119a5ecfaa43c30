package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/stream-gateway/internal/entity"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

type APIKeyRepository struct {
	db *sqlx.DB
}

func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// FindByKey returns nil without error when no row matches.
func (r *APIKeyRepository) FindByKey(ctx context.Context, key string) (*entity.APIKey, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.APIKey{}.TableName()).
		Where(sq.Eq{"api_key": key}).
		Limit(1)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var apiKey entity.APIKey
	err = r.db.GetContext(ctx, &apiKey, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &apiKey, nil
}

func (r *APIKeyRepository) Create(ctx context.Context, apiKey *entity.APIKey) error {
	now := time.Now().UTC()
	apiKey.CreatedAt = now
	apiKey.UpdatedAt = now

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(apiKey.TableName()).
		Columns(
			"name",
			"api_key",
			"access_token_hash",
			"permissions",
			"rate_limit",
			"rate_window_seconds",
			"active",
			"expired_at",
			"created_at",
			"updated_at",
		).
		Values(
			apiKey.Name,
			apiKey.Key,
			apiKey.AccessTokenHash,
			apiKey.Permissions,
			apiKey.RateLimit,
			apiKey.RateWindowSeconds,
			apiKey.Active,
			apiKey.ExpiredAt,
			apiKey.CreatedAt,
			apiKey.UpdatedAt,
		).
		Suffix("RETURNING id")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	return r.db.QueryRowContext(ctx, query, args...).Scan(&apiKey.ID)
}

// Deactivate returns ErrAPIKeyNotFound when no row has the id.
func (r *APIKeyRepository) Deactivate(ctx context.Context, id string) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Update(entity.APIKey{}.TableName()).
		Set("active", false).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}
