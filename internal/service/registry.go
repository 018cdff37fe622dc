package service

import (
	"context"
	"fmt"
	"sync"

	"wallet_ledger/internal/models"
)

type TypeLookup interface {
	GetTransactionTypeByCode(ctx context.Context, code string) (*models.TransactionType, error)
}

// TypeRegistry caches transaction types by code. Only active types are cached,
// so a type enabled after startup is picked up on the next lookup.
type TypeRegistry struct {
	lookup TypeLookup

	mu    sync.RWMutex
	types map[string]*models.TransactionType
}

func NewTypeRegistry(lookup TypeLookup) *TypeRegistry {
	return &TypeRegistry{
		lookup: lookup,
		types:  make(map[string]*models.TransactionType),
	}
}

func (r *TypeRegistry) Resolve(ctx context.Context, code string) (*models.TransactionType, error) {
	r.mu.RLock()
	tt, ok := r.types[code]
	r.mu.RUnlock()
	if ok {
		return tt, nil
	}

	tt, err := r.lookup.GetTransactionTypeByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !tt.IsActive {
		return nil, fmt.Errorf("%w: %s is inactive", models.ErrTransactionTypeNotConfigured, code)
	}

	r.mu.Lock()
	r.types[code] = tt
	r.mu.Unlock()
	return tt, nil
}
