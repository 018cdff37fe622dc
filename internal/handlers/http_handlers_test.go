package handlers_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wallet_ledger/internal/handlers"
	"wallet_ledger/internal/handlers/mocks"
	"wallet_ledger/internal/models"
	"wallet_ledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T) (*gin.Engine, *mocks.MockLedgerService) {
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)
	mockService := mocks.NewMockLedgerService(ctrl)
	r := gin.New()
	handlers.NewWalletHTTPHandler(mockService).RegisterRoutes(r)
	return r, mockService
}

func doJSON(r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleDeposit_Success(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	correlationID := uuid.New()

	mockService.EXPECT().
		Deposit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req service.OperationRequest) (*models.Transaction, error) {
			assert.Equal(t, walletID, req.WalletID)
			assert.True(t, req.Amount.Equal(decimal.NewFromInt(100)))
			assert.Equal(t, "key-1", req.IdempotencyKey)
			require.NotNil(t, req.CorrelationID)
			assert.Equal(t, correlationID, *req.CorrelationID)
			return &models.Transaction{ID: uuid.New(), WalletID: walletID, Amount: req.Amount, BalanceAfter: decimal.NewFromInt(200), Status: models.StatusCompleted}, nil
		})

	w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+walletID.String()+"/deposit",
		map[string]any{"amount": "100", "description": "top up"},
		map[string]string{handlers.HeaderIdempotencyKey: "key-1", handlers.HeaderCorrelationID: correlationID.String()},
	)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balanceAfter":"200"`)
}

func TestHandleDeposit_MissingIdempotencyKey(t *testing.T) {
	r, _ := newRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+uuid.NewString()+"/deposit", map[string]any{"amount": "1"}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeIdempotencyMissing)
}

func TestHandleCommission_KeyOptional(t *testing.T) {
	r, mockService := newRouter(t)
	mockService.EXPECT().
		CommissionCredit(gomock.Any(), gomock.Any()).
		Return(&models.Transaction{ID: uuid.New(), Status: models.StatusPending}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+uuid.NewString()+"/commission", map[string]any{"amount": "2.5"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"PENDING"`)
}

func TestHandleWithdraw_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: w", models.ErrInsufficientBalance), http.StatusBadRequest, models.CodeNegativeBlocked},
		{fmt.Errorf("%w: w", models.ErrDailyCapExceeded), http.StatusBadRequest, models.CodeDailyCapExceeded},
		{fmt.Errorf("%w: w", models.ErrWalletLocked), http.StatusLocked, models.CodeAccountFrozen},
		{fmt.Errorf("%w: w", models.ErrWalletNotFound), http.StatusNotFound, models.CodeWalletNotFound},
		{fmt.Errorf("%w: WITHDRAW", models.ErrTransactionTypeNotConfigured), http.StatusServiceUnavailable, models.CodeTypeNotConfigured},
		{fmt.Errorf("%w: commit: %w", models.ErrPersistenceFailure, context.DeadlineExceeded), http.StatusServiceUnavailable, models.CodePersistenceFailure},
	}
	for _, c := range cases {
		t.Run(c.code, func(t *testing.T) {
			r, mockService := newRouter(t)
			mockService.EXPECT().Withdraw(gomock.Any(), gomock.Any()).Return(nil, c.err)

			w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+uuid.NewString()+"/withdraw",
				map[string]any{"amount": "10"}, map[string]string{handlers.HeaderIdempotencyKey: "k"})

			assert.Equal(t, c.status, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, c.code, body["code"])
		})
	}
}

func TestHandleTransfer_Success(t *testing.T) {
	r, mockService := newRouter(t)
	from, to := uuid.New(), uuid.New()
	debitID, creditID := uuid.New(), uuid.New()

	mockService.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req service.TransferRequest) (*models.Transaction, *models.Transaction, error) {
			assert.Equal(t, from, req.FromWalletID)
			assert.Equal(t, to, req.ToWalletID)
			assert.Equal(t, "tr-1", req.IdempotencyKey)
			return &models.Transaction{ID: debitID, RelatedTransactionID: &creditID}, &models.Transaction{ID: creditID, RelatedTransactionID: &debitID}, nil
		})

	w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+from.String()+"/transfer",
		map[string]any{"toWalletId": to, "amount": "5"}, map[string]string{handlers.HeaderIdempotencyKey: "tr-1"})

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Debit  models.Transaction `json:"debit"`
		Credit models.Transaction `json:"credit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, debitID, body.Debit.ID)
	assert.Equal(t, creditID, body.Credit.ID)
}

func TestHandleTransfer_InvalidBody(t *testing.T) {
	r, _ := newRouter(t)

	w := doJSON(r, http.MethodPost, "/api/v1/wallets/"+uuid.NewString()+"/transfer",
		map[string]any{"amount": "5"}, map[string]string{handlers.HeaderIdempotencyKey: "k"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeInvalidRequest)
}

func TestHandleGetWallet_InvalidUUID(t *testing.T) {
	r, _ := newRouter(t)

	w := doJSON(r, http.MethodGet, "/api/v1/wallets/not-a-uuid", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetByIdempotencyKey_NotFound(t *testing.T) {
	r, mockService := newRouter(t)
	mockService.EXPECT().GetByIdempotencyKey(gomock.Any(), "missing").Return(nil, nil)

	w := doJSON(r, http.MethodGet, "/api/v1/transactions/idempotency/missing", nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeTransactionMissing)
}

func TestHandleStatement_CSV(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	ref := "inv-7"
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	page := &service.StatementPage{
		Transactions: []*models.Transaction{
			{ID: uuid.New(), WalletID: walletID, TypeCode: models.TypeDeposit, Amount: decimal.NewFromInt(10), BalanceAfter: decimal.NewFromInt(10), Status: models.StatusCompleted, Reference: &ref, CreatedAt: at},
			{ID: uuid.New(), WalletID: walletID, TypeCode: models.TypeWithdraw, Amount: decimal.NewFromInt(-4), BalanceAfter: decimal.NewFromInt(6), Status: models.StatusCompleted, CreatedAt: at.Add(time.Second)},
		},
		NextCursor: "abc",
	}
	mockService.EXPECT().
		ListTransactions(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, q service.StatementQuery) (*service.StatementPage, error) {
			assert.Equal(t, walletID, q.WalletID)
			assert.Equal(t, 2, q.Limit)
			assert.True(t, q.From.Equal(at))
			return page, nil
		})

	w := doJSON(r, http.MethodGet, "/api/v1/wallets/"+walletID.String()+"/statements?format=csv&limit=2&from="+at.Format(time.RFC3339), nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Header().Get(handlers.HeaderNextCursor))
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "id", records[0][0])
	assert.Equal(t, "10.0000", records[1][3])
	assert.Equal(t, "inv-7", records[1][6])
	assert.Equal(t, "-4.0000", records[2][3])
}

func TestHandleStatement_BadQuery(t *testing.T) {
	r, _ := newRouter(t)

	w := doJSON(r, http.MethodGet, "/api/v1/wallets/"+uuid.NewString()+"/statements?from=yesterday", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLock_Conflict(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	mockService.EXPECT().
		LockWallet(gomock.Any(), walletID, "fraud").
		Return(nil, fmt.Errorf("%w: already locked", models.ErrLockStateConflict))

	w := doJSON(r, http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/lock", map[string]any{"reason": "fraud"}, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleLock_ChunkedBody(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	mockService.EXPECT().
		LockWallet(gomock.Any(), walletID, "chargeback").
		Return(&models.Wallet{ID: walletID, IsLocked: true}, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/lock",
		strings.NewReader(`{"reason":"chargeback"}`))
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleLock_EmptyBody(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	mockService.EXPECT().
		LockWallet(gomock.Any(), walletID, "").
		Return(&models.Wallet{ID: walletID, IsLocked: true}, nil)

	req, _ := http.NewRequest(http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/lock", strings.NewReader(""))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSnapshot(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	mockService.EXPECT().
		GetSnapshot(gomock.Any(), walletID).
		Return(&models.BalanceSnapshot{WalletID: walletID, Balance: decimal.NewFromInt(3)}, true, nil)

	w := doJSON(r, http.MethodGet, "/api/v1/admin/wallets/"+walletID.String()+"/snapshot", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"cached":true`)
}

func TestHandleReconcile(t *testing.T) {
	r, mockService := newRouter(t)
	mockService.EXPECT().
		Reconcile(gomock.Any()).
		Return(&models.ReconciliationSummary{PendingCommissionTransactions: 2, LockedWallets: 1, TotalWallets: 9, SnapshotCount: 9}, nil)

	w := doJSON(r, http.MethodGet, "/api/v1/admin/reconcile", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pendingCommissionTransactions":2`)
}

func TestStatusFor_UnknownError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, handlers.StatusFor(fmt.Errorf("boom")))
	assert.Equal(t, http.StatusBadRequest, handlers.StatusFor(models.ErrInvalidAmount))
}

func TestHandleDeactivate(t *testing.T) {
	r, mockService := newRouter(t)
	walletID := uuid.New()
	mockService.EXPECT().
		DeactivateWallet(gomock.Any(), walletID).
		Return(&models.Wallet{ID: walletID, IsActive: false}, nil)
	mockService.EXPECT().
		DeactivateWallet(gomock.Any(), walletID).
		Return(nil, fmt.Errorf("%w: already inactive", models.ErrLockStateConflict))

	w := doJSON(r, http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/deactivate", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isActive":false`)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/deactivate", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeLockStateConflict)
}

func TestHandleGetTransaction(t *testing.T) {
	r, mockService := newRouter(t)
	id := uuid.New()
	mockService.EXPECT().
		GetTransaction(gomock.Any(), id).
		Return(&models.Transaction{ID: id, TypeCode: models.TypeDeposit, Status: models.StatusCompleted}, nil)
	missing := uuid.New()
	mockService.EXPECT().
		GetTransaction(gomock.Any(), missing).
		Return(nil, fmt.Errorf("%w: %s", models.ErrTransactionNotFound, missing))

	w := doJSON(r, http.MethodGet, "/api/v1/transactions/"+id.String(), nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id.String())

	w = doJSON(r, http.MethodGet, "/api/v1/transactions/"+missing.String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeTransactionMissing)

	w = doJSON(r, http.MethodGet, "/api/v1/transactions/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWalletTypes(t *testing.T) {
	r, mockService := newRouter(t)
	mockService.EXPECT().
		ListWalletTypes(gomock.Any()).
		Return([]*models.WalletType{{ID: uuid.New(), Name: "Main", Currency: "USD"}}, nil)
	mockService.EXPECT().
		CreateWalletType(gomock.Any(), "Euro", "EUR").
		Return(&models.WalletType{ID: uuid.New(), Name: "Euro", Currency: "EUR"}, nil)
	mockService.EXPECT().
		CreateWalletType(gomock.Any(), "Main", "USD").
		Return(nil, fmt.Errorf("%w: Main", models.ErrWalletTypeAlreadyExists))

	w := doJSON(r, http.MethodGet, "/api/v1/wallet-types", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Main"`)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/wallet-types", map[string]any{"name": "Euro", "currency": "EUR"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/wallet-types", map[string]any{"name": "Main", "currency": "USD"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeWalletTypeExists)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/wallet-types", map[string]any{"name": "NoCurrency"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReconciliationReport_CSV(t *testing.T) {
	r, mockService := newRouter(t)
	from := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 8, 0, 0, 0, 0, time.UTC)
	walletID := uuid.New()
	report := &models.ReconciliationReport{
		From: from,
		To:   to,
		Accounts: []models.AccountReconciliation{{
			WalletID: walletID, Currency: "USD",
			Credits: decimal.NewFromInt(10), Debits: decimal.NewFromInt(4), NetChange: decimal.NewFromInt(6),
			StartBalance: decimal.NewFromInt(1), EndBalance: decimal.NewFromInt(7), Mismatch: decimal.Zero,
		}},
		Currencies: []models.CurrencyReconciliation{{
			Currency: "USD", Wallets: 1,
			Credits: decimal.NewFromInt(10), Debits: decimal.NewFromInt(4), NetChange: decimal.NewFromInt(6),
		}},
	}
	mockService.EXPECT().
		ExportReconciliation(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, gotFrom, gotTo time.Time) (*models.ReconciliationReport, error) {
			assert.True(t, gotFrom.Equal(from))
			assert.True(t, gotTo.Equal(to))
			return report, nil
		})

	w := doJSON(r, http.MethodGet, "/api/v1/admin/reports/reconciliation?format=csv&from="+from.Format(time.RFC3339)+"&to="+to.Format(time.RFC3339), nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "reconciliation-20260401-20260408.csv")
	reader := csv.NewReader(strings.NewReader(w.Body.String()))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "wallet_id", records[0][0])
	assert.Equal(t, walletID.String(), records[1][0])
	assert.Equal(t, "7.0000", records[1][6])
	assert.Equal(t, "0.0000", records[1][7])
	assert.Equal(t, "currency", records[2][0])
	assert.Equal(t, []string{"USD", "1", "10.0000", "4.0000", "6.0000"}, records[3])
	assert.Contains(t, w.Body.String(), "\n\ncurrency,")
}

func TestHandleReconciliationReport_Errors(t *testing.T) {
	r, mockService := newRouter(t)
	mockService.EXPECT().
		ExportReconciliation(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: from after to", models.ErrInvalidDateRange))

	w := doJSON(r, http.MethodGet, "/api/v1/admin/reports/reconciliation?from=last-week", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/admin/reports/reconciliation", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeInvalidRequest)
}
