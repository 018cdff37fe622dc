package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"wallet_ledger/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTypeLookup struct {
	types map[string]*models.TransactionType
	calls int
}

func (f *fakeTypeLookup) GetTransactionTypeByCode(_ context.Context, code string) (*models.TransactionType, error) {
	f.calls++
	tt, ok := f.types[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTransactionTypeNotConfigured, code)
	}
	return tt, nil
}

func TestTypeRegistry_Resolve(t *testing.T) {
	lookup := &fakeTypeLookup{types: map[string]*models.TransactionType{
		models.TypeDeposit:    {ID: uuid.New(), Code: models.TypeDeposit, IsActive: true},
		models.TypeCommission: {ID: uuid.New(), Code: models.TypeCommission, IsActive: false},
	}}
	registry := NewTypeRegistry(lookup)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tt, err := registry.Resolve(ctx, models.TypeDeposit)
		require.NoError(t, err)
		assert.Equal(t, models.TypeDeposit, tt.Code)
	}
	assert.Equal(t, 1, lookup.calls)

	_, err := registry.Resolve(ctx, models.TypeCommission)
	assert.ErrorIs(t, err, models.ErrTransactionTypeNotConfigured)
	_, err = registry.Resolve(ctx, "REFUND")
	assert.ErrorIs(t, err, models.ErrTransactionTypeNotConfigured)
}

func TestCursor_RoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC)
	id := uuid.New()

	gotAt, gotID, err := DecodeCursor(EncodeCursor(at, id))
	require.NoError(t, err)
	assert.True(t, gotAt.Equal(at))
	assert.Equal(t, id, gotID)

	for _, bad := range []string{"!!", "bm9jb2xvbg", "MTIzOm5vdC1hLXV1aWQ"} {
		_, _, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, models.ErrInvalidCursor, bad)
	}
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, validateAmount(decimal.RequireFromString("0.0001")))
	assert.NoError(t, validateAmount(decimal.RequireFromString("12.3400")))
	assert.ErrorIs(t, validateAmount(decimal.Zero), models.ErrInvalidAmount)
	assert.ErrorIs(t, validateAmount(decimal.NewFromInt(-1)), models.ErrInvalidAmount)
	assert.ErrorIs(t, validateAmount(decimal.RequireFromString("0.00001")), models.ErrInvalidAmount)
	assert.NoError(t, validateAmount(decimal.RequireFromString("9999999999999999.9999")))
	assert.ErrorIs(t, validateAmount(decimal.New(1, 16)), models.ErrInvalidAmount)
	assert.ErrorIs(t, validateAmount(decimal.New(1, 20)), models.ErrInvalidAmount)
}

func TestStartOfDay(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	got := startOfDay(time.Date(2026, 5, 11, 1, 30, 0, 0, loc))
	assert.Equal(t, time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), got)
}
