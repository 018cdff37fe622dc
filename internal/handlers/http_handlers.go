package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wallet_ledger/internal/models"
	"wallet_ledger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:generate mockgen -source=http_handlers.go -destination=mocks/mock_ledger_service.go -package=mocks LedgerService

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"
	HeaderNextCursor     = "X-Next-Cursor"
)

type LedgerService interface {
	CreateWallet(ctx context.Context, userID, walletTypeID uuid.UUID, tenantID string) (*models.Wallet, error)
	GetWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	ListUserWallets(ctx context.Context, userID uuid.UUID) ([]*models.Wallet, error)
	Deposit(ctx context.Context, req service.OperationRequest) (*models.Transaction, error)
	Withdraw(ctx context.Context, req service.OperationRequest) (*models.Transaction, error)
	CommissionCredit(ctx context.Context, req service.OperationRequest) (*models.Transaction, error)
	Transfer(ctx context.Context, req service.TransferRequest) (*models.Transaction, *models.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, q service.StatementQuery) (*service.StatementPage, error)
	LockWallet(ctx context.Context, walletID uuid.UUID, reason string) (*models.Wallet, error)
	UnlockWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	DeactivateWallet(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error)
	Reconcile(ctx context.Context) (*models.ReconciliationSummary, error)
	ExportReconciliation(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error)
	GetSnapshot(ctx context.Context, walletID uuid.UUID) (*models.BalanceSnapshot, bool, error)
	ListWalletTypes(ctx context.Context) ([]*models.WalletType, error)
	CreateWalletType(ctx context.Context, name, currency string) (*models.WalletType, error)
}

type WalletHTTPHandler struct {
	service LedgerService
}

func NewWalletHTTPHandler(service LedgerService) *WalletHTTPHandler {
	return &WalletHTTPHandler{service: service}
}

func (h *WalletHTTPHandler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")
	{
		v1.POST("/wallets", h.HandleCreateWallet)
		v1.GET("/wallets/:wallet_id", h.HandleGetWallet)
		v1.GET("/users/:user_id/wallets", h.HandleListUserWallets)
		v1.POST("/wallets/:wallet_id/deposit", h.HandleDeposit)
		v1.POST("/wallets/:wallet_id/withdraw", h.HandleWithdraw)
		v1.POST("/wallets/:wallet_id/commission", h.HandleCommission)
		v1.POST("/wallets/:wallet_id/transfer", h.HandleTransfer)
		v1.GET("/wallets/:wallet_id/statements", h.HandleStatement)
		v1.GET("/transactions/idempotency/:key", h.HandleGetByIdempotencyKey)
		v1.GET("/transactions/:transaction_id", h.HandleGetTransaction)
		v1.GET("/wallet-types", h.HandleListWalletTypes)
	}
	admin := v1.Group("/admin")
	{
		admin.POST("/wallets/:wallet_id/lock", h.HandleLock)
		admin.POST("/wallets/:wallet_id/unlock", h.HandleUnlock)
		admin.POST("/wallets/:wallet_id/deactivate", h.HandleDeactivate)
		admin.GET("/wallets/:wallet_id/snapshot", h.HandleSnapshot)
		admin.GET("/reconcile", h.HandleReconcile)
		admin.GET("/reports/reconciliation", h.HandleReconciliationReport)
		admin.POST("/wallet-types", h.HandleCreateWalletType)
	}
}

func RegisterMetrics(r *gin.Engine, gatherer prometheus.Gatherer) {
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *WalletHTTPHandler) HandleCreateWallet(c *gin.Context) {
	var req models.CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid request: "+err.Error())
		return
	}
	w, err := h.service.CreateWallet(c.Request.Context(), req.UserID, req.WalletTypeID, req.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *WalletHTTPHandler) HandleGetWallet(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	w, err := h.service.GetWallet(c.Request.Context(), walletID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHTTPHandler) HandleListUserWallets(c *gin.Context) {
	userID, ok := uuidParam(c, "user_id")
	if !ok {
		return
	}
	wallets, err := h.service.ListUserWallets(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if wallets == nil {
		wallets = []*models.Wallet{}
	}
	c.JSON(http.StatusOK, gin.H{"wallets": wallets})
}

func (h *WalletHTTPHandler) HandleDeposit(c *gin.Context) {
	h.handleOperation(c, true, h.service.Deposit)
}

func (h *WalletHTTPHandler) HandleWithdraw(c *gin.Context) {
	h.handleOperation(c, true, h.service.Withdraw)
}

func (h *WalletHTTPHandler) HandleCommission(c *gin.Context) {
	h.handleOperation(c, false, h.service.CommissionCredit)
}

type operationFunc func(ctx context.Context, req service.OperationRequest) (*models.Transaction, error)

func (h *WalletHTTPHandler) handleOperation(c *gin.Context, keyRequired bool, op operationFunc) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	key, correlationID, ok := requestKeys(c, keyRequired)
	if !ok {
		return
	}
	var req models.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	txn, err := op(c.Request.Context(), service.OperationRequest{
		WalletID:       walletID,
		Amount:         req.Amount,
		Description:    req.Description,
		Reference:      req.Reference,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
		CorrelationID:  correlationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *WalletHTTPHandler) HandleTransfer(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	key, correlationID, ok := requestKeys(c, true)
	if !ok {
		return
	}
	var req models.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid request: "+err.Error())
		return
	}

	debit, credit, err := h.service.Transfer(c.Request.Context(), service.TransferRequest{
		FromWalletID:   walletID,
		ToWalletID:     req.ToWalletID,
		Amount:         req.Amount,
		Description:    req.Description,
		Reference:      req.Reference,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
		CorrelationID:  correlationID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debit": debit, "credit": credit})
}

func (h *WalletHTTPHandler) HandleStatement(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	q := service.StatementQuery{WalletID: walletID, Cursor: c.Query("cursor")}
	var err error
	if q.From, err = timeQuery(c, "from"); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid from: "+err.Error())
		return
	}
	if q.To, err = timeQuery(c, "to"); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid to: "+err.Error())
		return
	}
	if raw := c.Query("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			badRequest(c, models.CodeInvalidRequest, "invalid limit")
			return
		}
	}

	page, err := h.service.ListTransactions(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	if strings.EqualFold(c.Query("format"), "csv") {
		writeStatementCSV(c, walletID, page)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *WalletHTTPHandler) HandleGetByIdempotencyKey(c *gin.Context) {
	txn, err := h.service.GetByIdempotencyKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	if txn == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found", "code": models.CodeTransactionMissing})
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *WalletHTTPHandler) HandleGetTransaction(c *gin.Context) {
	id, ok := uuidParam(c, "transaction_id")
	if !ok {
		return
	}
	txn, err := h.service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (h *WalletHTTPHandler) HandleListWalletTypes(c *gin.Context) {
	types, err := h.service.ListWalletTypes(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"walletTypes": types})
}

func (h *WalletHTTPHandler) HandleCreateWalletType(c *gin.Context) {
	var req models.CreateWalletTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid request: "+err.Error())
		return
	}
	wt, err := h.service.CreateWalletType(c.Request.Context(), req.Name, req.Currency)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wt)
}

func (h *WalletHTTPHandler) HandleLock(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	var req models.LockRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, models.CodeInvalidRequest, "invalid request: "+err.Error())
			return
		}
	}
	w, err := h.service.LockWallet(c.Request.Context(), walletID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHTTPHandler) HandleUnlock(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	w, err := h.service.UnlockWallet(c.Request.Context(), walletID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHTTPHandler) HandleDeactivate(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	w, err := h.service.DeactivateWallet(c.Request.Context(), walletID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *WalletHTTPHandler) HandleReconcile(c *gin.Context) {
	summary, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *WalletHTTPHandler) HandleReconciliationReport(c *gin.Context) {
	from, err := timeQuery(c, "from")
	if err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid from: "+err.Error())
		return
	}
	to, err := timeQuery(c, "to")
	if err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid to: "+err.Error())
		return
	}
	report, err := h.service.ExportReconciliation(c.Request.Context(), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	if strings.EqualFold(c.Query("format"), "csv") {
		writeReconciliationCSV(c, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *WalletHTTPHandler) HandleSnapshot(c *gin.Context) {
	walletID, ok := uuidParam(c, "wallet_id")
	if !ok {
		return
	}
	snap, cached, err := h.service.GetSnapshot(c.Request.Context(), walletID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "cached": cached})
}

func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func requestKeys(c *gin.Context, keyRequired bool) (string, *uuid.UUID, bool) {
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if keyRequired && key == "" {
		badRequest(c, models.CodeIdempotencyMissing, HeaderIdempotencyKey+" header is required")
		return "", nil, false
	}
	raw := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
	if raw == "" {
		return key, nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(c, models.CodeInvalidRequest, "invalid "+HeaderCorrelationID)
		return "", nil, false
	}
	return key, &id, true
}

func timeQuery(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeStatementCSV(c *gin.Context, walletID uuid.UUID, page *service.StatementPage) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="statement-`+walletID.String()+`.csv"`)
	if page.NextCursor != "" {
		c.Header(HeaderNextCursor, page.NextCursor)
	}
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "created_at", "type", "amount", "balance_after", "status", "reference", "description"})
	for _, txn := range page.Transactions {
		reference := ""
		if txn.Reference != nil {
			reference = *txn.Reference
		}
		_ = w.Write([]string{
			txn.ID.String(),
			txn.CreatedAt.UTC().Format(time.RFC3339Nano),
			txn.TypeCode,
			txn.Amount.StringFixed(4),
			txn.BalanceAfter.StringFixed(4),
			string(txn.Status),
			reference,
			txn.Description,
		})
	}
	w.Flush()
}

// writeReconciliationCSV writes the account section, a blank line, then the
// currency section.
func writeReconciliationCSV(c *gin.Context, report *models.ReconciliationReport) {
	name := "reconciliation-" + report.From.Format("20060102") + "-" + report.To.Format("20060102") + ".csv"
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"wallet_id", "currency", "credits", "debits", "net_change", "start_balance", "end_balance", "mismatch"})
	for _, a := range report.Accounts {
		_ = w.Write([]string{
			a.WalletID.String(),
			a.Currency,
			a.Credits.StringFixed(4),
			a.Debits.StringFixed(4),
			a.NetChange.StringFixed(4),
			a.StartBalance.StringFixed(4),
			a.EndBalance.StringFixed(4),
			a.Mismatch.StringFixed(4),
		})
	}
	w.Flush()
	_, _ = c.Writer.WriteString("\n")

	w = csv.NewWriter(c.Writer)
	_ = w.Write([]string{"currency", "wallets", "credits", "debits", "net_change"})
	for _, cur := range report.Currencies {
		_ = w.Write([]string{
			cur.Currency,
			strconv.Itoa(cur.Wallets),
			cur.Credits.StringFixed(4),
			cur.Debits.StringFixed(4),
			cur.NetChange.StringFixed(4),
		})
	}
	w.Flush()
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": code})
}

func writeError(c *gin.Context, err error) {
	c.JSON(StatusFor(err), gin.H{"error": err.Error(), "code": models.ErrorCode(err)})
}

// StatusFor maps a ledger error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrWalletNotFound),
		errors.Is(err, models.ErrTransactionNotFound),
		errors.Is(err, models.ErrWalletTypeNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrWalletLocked):
		return http.StatusLocked
	case errors.Is(err, models.ErrWalletAlreadyExists),
		errors.Is(err, models.ErrWalletTypeAlreadyExists),
		errors.Is(err, models.ErrLockStateConflict),
		errors.Is(err, models.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransactionTypeNotConfigured),
		errors.Is(err, models.ErrPersistenceFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case models.ErrorCode(err) == models.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
