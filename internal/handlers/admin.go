package handlers

import (
	"net/http"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"

	"community-wager-backend/internal/middleware"
	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

type AdminHandler struct {
	challenges *services.ChallengeService
	index      *services.ChallengeIndex
	scheduler  *services.ExpirationScheduler
	ledger     *services.Ledger
	log        slog.Logger
}

func NewAdminHandler(challenges *services.ChallengeService, index *services.ChallengeIndex,
	scheduler *services.ExpirationScheduler, ledger *services.Ledger, log slog.Logger) *AdminHandler {
	return &AdminHandler{
		challenges: challenges,
		index:      index,
		scheduler:  scheduler,
		ledger:     ledger,
		log:        log,
	}
}

// StuckChallenges lists the challenges needing manual review: stuck flags
// and reconciliation markers that have not been repaired yet.
func (h *AdminHandler) StuckChallenges(c *gin.Context) {
	flags, err := h.challenges.StuckChallenges(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	markers, err := h.challenges.PendingReconciliations(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"challenges":      flags,
		"total":           len(flags),
		"reconciliations": markers,
	})
}

func (h *AdminHandler) RebuildIndex(c *gin.Context) {
	report, err := h.index.RebuildFromScratch(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Infof("Index rebuild requested by %s", c.GetString(middleware.ContextUserID))
	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) Sweep(c *gin.Context) {
	report, err := h.scheduler.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type depositRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func (h *AdminHandler) Deposit(c *gin.Context) {
	userID := c.Param("userId")
	if !models.ValidIdentifier(userID) {
		respondError(c, h.log, &services.ValidationError{Field: "userId", Message: "invalid user id"})
		return
	}

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Description == "" {
		req.Description = "admin deposit by " + c.GetString(middleware.ContextUserID)
	}

	wallet, err := h.ledger.Deposit(c.Request.Context(), userID, req.Amount, req.Description)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, models.BalanceResponse{
		Amount:          wallet.Amount,
		EscrowBalance:   wallet.EscrowBalance,
		LastTransaction: wallet.LastTransaction,
	})
}
