package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/stream-gateway/internal/entity"
)

type SymbolMappingRepository struct {
	db *sqlx.DB
}

func NewSymbolMappingRepository(db *sqlx.DB) *SymbolMappingRepository {
	return &SymbolMappingRepository{db: db}
}

func (r *SymbolMappingRepository) GetAll(ctx context.Context) (entity.ProviderSymbolMapping, error) {
	return r.get(ctx, nil)
}

func (r *SymbolMappingRepository) GetByProviders(ctx context.Context, providers []string) (entity.ProviderSymbolMapping, error) {
	if len(providers) == 0 {
		return entity.ProviderSymbolMapping{}, nil
	}
	return r.get(ctx, sq.Eq{"provider": providers})
}

func (r *SymbolMappingRepository) get(ctx context.Context, where sq.Sqlizer) (entity.ProviderSymbolMapping, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From("symbol_mappings").
		OrderBy("created_at desc")
	if where != nil {
		queryBuilder = queryBuilder.Where(where)
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var mappings []entity.SymbolMapping
	err = r.db.SelectContext(ctx, &mappings, query, args...)
	if err != nil {
		return nil, err
	}

	providerSymbolMapping := make(entity.ProviderSymbolMapping)
	for _, mapping := range mappings {
		if _, ok := providerSymbolMapping[mapping.Provider]; !ok {
			providerSymbolMapping[mapping.Provider] = make(map[string]string)
		}
		symbol := entity.NormalizeSymbol(mapping.Symbol)
		// newest row wins
		if _, exists := providerSymbolMapping[mapping.Provider][symbol]; exists {
			continue
		}
		providerSymbolMapping[mapping.Provider][symbol] = mapping.ProviderSymbol
	}

	return providerSymbolMapping, nil
}
