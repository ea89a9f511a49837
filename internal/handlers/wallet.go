package handlers

import (
	"errors"
	"net/http"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"

	"community-wager-backend/internal/middleware"
	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 200
)

type WalletHandler struct {
	ledger *services.Ledger
	log    slog.Logger
}

func NewWalletHandler(ledger *services.Ledger, log slog.Logger) *WalletHandler {
	return &WalletHandler{
		ledger: ledger,
		log:    log,
	}
}

func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	wallet, err := h.ledger.Wallet(c.Request.Context(), userID)
	var nf *services.NotFoundError
	if errors.As(err, &nf) {
		wallet = models.NewWallet(userID)
	} else if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount":          wallet.Amount,
		"escrowBalance":   wallet.EscrowBalance,
		"display":         models.FormatCurrency(wallet.Amount),
		"lastTransaction": wallet.LastTransaction,
	})
}

func (h *WalletHandler) Transactions(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	limit, offset, err := pageParams(c, defaultTransactionLimit, maxTransactionLimit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	txs, total, err := h.ledger.Transactions(c.Request.Context(), userID, offset, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"total":        total,
		"hasMore":      offset+int64(len(txs)) < total,
	})
}

func (h *WalletHandler) Withdraw(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	wallet, err := h.ledger.Withdraw(c.Request.Context(), userID, req.Amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	h.log.Infof("User %s withdrew %d", userID, req.Amount)
	c.JSON(http.StatusOK, models.BalanceResponse{
		Amount:          wallet.Amount,
		EscrowBalance:   wallet.EscrowBalance,
		LastTransaction: wallet.LastTransaction,
	})
}
