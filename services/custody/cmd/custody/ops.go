package main

import (
	"errors"
	"net/http"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/service"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/gin-gonic/gin"
)

// registerOpsRoutes mounts read-only operator endpoints for balances and
// ledger reconciliation.
func registerOpsRoutes(router gin.IRouter, custody *service.Custody) {
	ops := router.Group("/ops")
	ops.GET("/balances/:class/:holder/:currency", func(c *gin.Context) {
		bal, err := custody.GetBalance(c.Request.Context(), c.Param("class"), c.Param("holder"), c.Param("currency"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"account":   bal.Key.String(),
			"balance":   bal.Balance.String(),
			"frozen":    bal.Frozen.String(),
			"available": bal.Available.String(),
		})
	})
	ops.GET("/reconcile/:class/:holder/:currency", func(c *gin.Context) {
		rec, err := custody.VerifyAccount(c.Request.Context(), c.Param("class"), c.Param("holder"), c.Param("currency"), c.Query("kind"))
		if err != nil {
			writeError(c, err)
			return
		}
		status := http.StatusOK
		if !rec.Consistent {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"account_id":       rec.Account.ID,
			"transactions":     rec.Transactions,
			"balance":          rec.Account.Balance.String(),
			"frozen":           rec.Account.FrozenBalance.String(),
			"replayed_balance": rec.ReplayedBalance.String(),
			"replayed_frozen":  rec.ReplayedFrozen.String(),
			"consistent":       rec.Consistent,
			"problem":          rec.Problem,
		})
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, operations.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
