package handlers

import (
	"net/http"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"

	"community-wager-backend/internal/middleware"
	"community-wager-backend/internal/models"
	"community-wager-backend/internal/services"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type ChallengeHandler struct {
	challenges *services.ChallengeService
	log        slog.Logger
}

func NewChallengeHandler(challenges *services.ChallengeService, log slog.Logger) *ChallengeHandler {
	return &ChallengeHandler{
		challenges: challenges,
		log:        log,
	}
}

func (h *ChallengeHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.CreateChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	challenge, err := h.challenges.Create(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"challengeId": challenge.ID,
		"betAmount":   challenge.BetAmount,
		"gameTitle":   challenge.GameTitle,
	})
}

func (h *ChallengeHandler) Accept(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	challenge, err := h.challenges.Accept(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challengeId": challenge.ID,
		"betAmount":   challenge.BetAmount,
	})
}

func (h *ChallengeHandler) Reject(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	challenge, err := h.challenges.Reject(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundAmount":   *challenge.RefundAmount,
		"rejectionFee":   *challenge.FeeCharged,
		"originalAmount": challenge.BetAmount,
	})
}

func (h *ChallengeHandler) Cancel(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	challenge, err := h.challenges.Cancel(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refundAmount":  *challenge.RefundAmount,
		"serviceCharge": *challenge.FeeCharged,
	})
}

func (h *ChallengeHandler) SubmitScore(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	var req models.SubmitScoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	_, both, err := h.challenges.SubmitScore(c.Request.Context(), req.ChallengeID, userID, *req.Score)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"score":               *req.Score,
		"bothScoresSubmitted": both,
	})
}

func (h *ChallengeHandler) History(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	limit, offset, err := pageParams(c, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	page, err := h.challenges.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *ChallengeHandler) Get(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	view, err := h.challenges.Get(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *ChallengeHandler) Audit(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	entries, err := h.challenges.Audit(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
