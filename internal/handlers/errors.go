package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/decred/slog"
	"github.com/gin-gonic/gin"

	"community-wager-backend/internal/services"
)

const kindInternal = "internal_error"

func statusForKind(kind string) int {
	switch kind {
	case services.KindValidation, services.KindInsufficientFunds,
		services.KindStateConflict, services.KindChallengeExpired:
		return http.StatusBadRequest
	case services.KindAuthorization:
		return http.StatusForbidden
	case services.KindNotFound:
		return http.StatusNotFound
	case services.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": kind, "message": ...}. Errors without
// a kind, and decryption failures, are logged and reported without detail.
func respondError(c *gin.Context, log slog.Logger, err error) {
	kind := services.ErrorKind(err)
	status := statusForKind(kind)

	if status == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		if kind == "" {
			kind = kindInternal
		}
		c.JSON(status, gin.H{
			"error":   kind,
			"message": "Internal server error",
		})
		return
	}

	body := gin.H{
		"error":   kind,
		"message": err.Error(),
	}

	var rl *services.RateLimitError
	if errors.As(err, &rl) {
		seconds := int(math.Ceil(rl.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		body["retry_after"] = seconds
	}

	var expired *services.ChallengeExpiredError
	if errors.As(err, &expired) {
		body["refundAmount"] = expired.RefundAmount
	}

	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   services.KindValidation,
		"message": err.Error(),
	})
}

func pageParams(c *gin.Context, defaultLimit, maxLimit int64) (limit, offset int64, err error) {
	limit, offset = defaultLimit, 0

	if v := c.Query("limit"); v != "" {
		limit, err = strconv.ParseInt(v, 10, 64)
		if err != nil || limit < 1 {
			return 0, 0, &services.ValidationError{Field: "limit", Message: "must be a positive integer"}
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if v := c.Query("offset"); v != "" {
		offset, err = strconv.ParseInt(v, 10, 64)
		if err != nil || offset < 0 {
			return 0, 0, &services.ValidationError{Field: "offset", Message: "must be a non-negative integer"}
		}
	}
	return limit, offset, nil
}
