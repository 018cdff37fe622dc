package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"wallet_ledger/internal/config"
	"wallet_ledger/internal/metrics"
	"wallet_ledger/internal/models"
	"wallet_ledger/internal/policy"
	"wallet_ledger/internal/repository"
	"wallet_ledger/internal/service"
	"wallet_ledger/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func setupIntegrationRouter(t *testing.T) (*gin.Engine, func()) {
	pool, teardown := testutil.SetupTestDB(t)
	repo := repository.NewWalletPGRepository(pool, testLogger)
	reg := prometheus.NewRegistry()
	svc := service.NewLedgerService(repo, policy.NewStaticProvider(config.PolicyConfig{}), metrics.NewPrometheus(reg), testLogger)
	handler := NewWalletHTTPHandler(svc)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.RegisterRoutes(r)
	RegisterMetrics(r, reg)
	return r, teardown
}

func send(r *gin.Engine, method, path string, body any, key string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createWallet(t *testing.T, r *gin.Engine) uuid.UUID {
	t.Helper()
	w := send(r, http.MethodPost, "/api/v1/wallets", map[string]any{
		"userId":       uuid.New(),
		"walletTypeId": repository.WalletTypeIDMain,
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var wallet models.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	return wallet.ID
}

func balanceOf(t *testing.T, r *gin.Engine, walletID uuid.UUID) decimal.Decimal {
	t.Helper()
	w := send(r, http.MethodGet, "/api/v1/wallets/"+walletID.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var wallet models.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	return wallet.Balance
}

func TestIntegration_Deposit_And_Withdraw(t *testing.T) {
	r, teardown := setupIntegrationRouter(t)
	defer teardown()
	walletID := createWallet(t, r)
	base := "/api/v1/wallets/" + walletID.String()

	w := send(r, http.MethodPost, base+"/deposit", map[string]any{"amount": "100.50"}, "dep-1")
	assert.Equal(t, http.StatusOK, w.Code)

	// same key replays the stored row
	w = send(r, http.MethodPost, base+"/deposit", map[string]any{"amount": "100.50"}, "dep-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodPost, base+"/deposit", map[string]any{"amount": "50.25"}, "dep-2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, balanceOf(t, r, walletID).Equal(decimal.RequireFromString("150.75")))

	w = send(r, http.MethodPost, base+"/withdraw", map[string]any{"amount": "50.75"}, "wd-1")
	assert.Equal(t, http.StatusOK, w.Code)
	var txn models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
	assert.True(t, txn.Amount.Equal(decimal.RequireFromString("-50.75")))
	assert.True(t, txn.BalanceAfter.Equal(decimal.NewFromInt(100)))

	w = send(r, http.MethodPost, base+"/withdraw", map[string]any{"amount": "1000"}, "wd-2")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeNegativeBlocked)
	assert.True(t, balanceOf(t, r, walletID).Equal(decimal.NewFromInt(100)))

	w = send(r, http.MethodGet, "/api/v1/transactions/idempotency/wd-1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodGet, base+"/statements", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page service.StatementPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Transactions, 3)
}

func TestIntegration_LockedWalletAndTransfer(t *testing.T) {
	r, teardown := setupIntegrationRouter(t)
	defer teardown()
	from := createWallet(t, r)
	to := createWallet(t, r)

	w := send(r, http.MethodPost, "/api/v1/wallets/"+from.String()+"/deposit", map[string]any{"amount": "40"}, "seed")
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodPost, "/api/v1/admin/wallets/"+from.String()+"/lock", map[string]any{"reason": "review"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodPost, "/api/v1/wallets/"+from.String()+"/transfer", map[string]any{"toWalletId": to, "amount": "10"}, "tr-locked")
	assert.Equal(t, http.StatusLocked, w.Code)

	w = send(r, http.MethodPost, "/api/v1/admin/wallets/"+from.String()+"/unlock", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, http.MethodPost, "/api/v1/wallets/"+from.String()+"/transfer", map[string]any{"toWalletId": to, "amount": "10"}, "tr-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, balanceOf(t, r, from).Equal(decimal.NewFromInt(30)))
	assert.True(t, balanceOf(t, r, to).Equal(decimal.NewFromInt(10)))

	w = send(r, http.MethodGet, "/api/v1/admin/reconcile", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var summary models.ReconciliationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, int64(2), summary.TotalWallets)
	assert.Equal(t, int64(0), summary.LockedWallets)

	w = send(r, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wallet_operations_total")
}

func TestIntegration_DeactivateAndReports(t *testing.T) {
	r, teardown := setupIntegrationRouter(t)
	defer teardown()
	walletID := createWallet(t, r)
	base := "/api/v1/wallets/" + walletID.String()

	w := send(r, http.MethodPost, base+"/deposit", map[string]any{"amount": "25"}, "dep-report")
	require.Equal(t, http.StatusOK, w.Code)
	var deposit models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deposit))

	w = send(r, http.MethodGet, "/api/v1/transactions/"+deposit.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var fetched models.Transaction
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, deposit.ID, fetched.ID)

	w = send(r, http.MethodGet, "/api/v1/admin/reports/reconciliation", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var report models.ReconciliationReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.Accounts, 1)
	assert.True(t, report.Accounts[0].EndBalance.Equal(decimal.NewFromInt(25)))
	assert.True(t, report.Accounts[0].Mismatch.IsZero())

	w = send(r, http.MethodPost, "/api/v1/admin/wallets/"+walletID.String()+"/deactivate", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = send(r, http.MethodPost, base+"/deposit", map[string]any{"amount": "1"}, "dep-closed")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), models.CodeWalletInactive)

	w = send(r, http.MethodGet, "/api/v1/wallet-types", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Commission"`)
}
