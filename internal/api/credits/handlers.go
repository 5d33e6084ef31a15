// Package credits implements the HTTP handlers for the credit ledger: the
// global stock counter, stock-backed credit allocation, administrative grants
// and revocations, the guarded single-credit spend, and balance queries. All
// endpoints except the balance query are privileged.
package credits

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/audit"
	"github.com/license-registry/license-registry/internal/ledger"
	"github.com/license-registry/license-registry/internal/middleware"
	"github.com/license-registry/license-registry/internal/telemetry"
)

// Handlers holds the credit endpoints' dependencies.
type Handlers struct {
	ledger *ledger.Service
	audit  *audit.Recorder
}

// NewHandlers creates the credit handler set. recorder may be nil when
// auditing is disabled.
func NewHandlers(l *ledger.Service, recorder *audit.Recorder) *Handlers {
	return &Handlers{ledger: l, audit: recorder}
}

type stockRequest struct {
	Amount int64 `json:"amount"`
}

// StockCreditsHandler handles POST /api/stock-credits (privileged): adds to
// the global stock counter and returns the new level. Negative amounts are
// accepted as corrections.
func (h *Handlers) StockCreditsHandler(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount is required"})
		return
	}

	level, err := h.ledger.GrantStock(c.Request.Context(), req.Amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	telemetry.StockLevel.Set(float64(level))
	h.audit.Record(audit.ActionGrantStock, middleware.Actor(c), "global",
		fmt.Sprintf("amount=%d level=%d", req.Amount, level))

	c.JSON(http.StatusOK, gin.H{"success": true, "stock": level})
}

// CheckStockHandler handles POST /api/check-stock (privileged): returns the
// current stock level, zero when uninitialised.
func (h *Handlers) CheckStockHandler(c *gin.Context) {
	level, err := h.ledger.CheckStock(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	telemetry.StockLevel.Set(float64(level))
	c.JSON(http.StatusOK, gin.H{"credits": level})
}

type giveCreditsRequest struct {
	DiscordID string `json:"discord_id"`
	Credits   int64  `json:"credits"`
	Prefix    string `json:"prefix"`
}

// GiveCreditsHandler handles POST /api/give-credits (privileged): moves
// credits from the global stock to a user's account and stamps the account
// with the key-prefix claim.
func (h *Handlers) GiveCreditsHandler(c *gin.Context) {
	var req giveCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "discord_id is required"})
		return
	}

	acct, err := h.ledger.AllocateCredits(c.Request.Context(), req.DiscordID, req.Credits, req.Prefix)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientStock):
			c.JSON(http.StatusBadRequest, gin.H{"error": "not_enough_stock"})
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "credits must be positive"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	telemetry.CreditsAllocatedTotal.Add(float64(req.Credits))
	h.audit.Record(audit.ActionAllocate, middleware.Actor(c), req.DiscordID,
		fmt.Sprintf("credits=%d prefix=%s balance=%d", req.Credits, req.Prefix, acct.Credits))

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type adjustCreditsRequest struct {
	DiscordID string `json:"discord_id"`
	Credits   int64  `json:"credits"`
}

// AddCreditsHandler handles POST /api/add-credits (privileged): grants credits
// outside the stock-backed flow. The stock counter and the prefix claim are
// untouched.
func (h *Handlers) AddCreditsHandler(c *gin.Context) {
	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "discord_id is required"})
		return
	}

	acct, err := h.ledger.AddCredits(c.Request.Context(), req.DiscordID, req.Credits)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "credits must be positive"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	h.audit.Record(audit.ActionAddCredits, middleware.Actor(c), req.DiscordID,
		fmt.Sprintf("credits=%d balance=%d", req.Credits, acct.Credits))

	c.JSON(http.StatusOK, gin.H{"success": true, "credits": acct.Credits})
}

// RevokeCreditsHandler handles POST /api/revoke-credits (privileged): removes
// credits from an account, refusing to drive the balance negative.
func (h *Handlers) RevokeCreditsHandler(c *gin.Context) {
	var req adjustCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "discord_id is required"})
		return
	}

	acct, err := h.ledger.RevokeCredits(c.Request.Context(), req.DiscordID, req.Credits)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNoUser):
			c.JSON(http.StatusNotFound, gin.H{"error": "no_user"})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			c.JSON(http.StatusBadRequest, gin.H{"error": "not_enough_credits"})
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "credits must be positive"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	h.audit.Record(audit.ActionRevokeCredits, middleware.Actor(c), req.DiscordID,
		fmt.Sprintf("credits=%d balance=%d", req.Credits, acct.Credits))

	c.JSON(http.StatusOK, gin.H{"success": true, "credits": acct.Credits})
}

type useCreditRequest struct {
	DiscordID string `json:"discord_id"`
	Prefix    string `json:"prefix"`
}

// UseCreditHandler handles POST /api/use-credit (privileged): spends exactly
// one credit. Outcomes are reported in-band with a 200 and a reason code, the
// same convention as key verification, because the issuing bot distinguishes
// verdicts from transport faults by status code.
func (h *Handlers) UseCreditHandler(c *gin.Context) {
	var req useCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "reason": "validation_error"})
		return
	}

	result, err := h.ledger.ConsumeCredit(c.Request.Context(), req.DiscordID, req.Prefix)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNoUser):
			c.JSON(http.StatusOK, gin.H{"success": false, "reason": "no_user"})
		case errors.Is(err, ledger.ErrNoCredits):
			c.JSON(http.StatusOK, gin.H{"success": false, "reason": "no_credits"})
		case errors.Is(err, ledger.ErrInvalidPrefix):
			c.JSON(http.StatusOK, gin.H{"success": false, "reason": "invalid_prefix"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	telemetry.CreditsConsumedTotal.Inc()
	h.audit.Record(audit.ActionConsumeCredit, middleware.Actor(c), req.DiscordID,
		fmt.Sprintf("prefix=%s remaining=%d", result.Prefix, result.Remaining))

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"prefix":    result.Prefix,
		"remaining": result.Remaining,
	})
}

type balanceRequest struct {
	DiscordID string `json:"discord_id"`
}

// BalanceHandler handles POST /api/balance (public): returns a user's balance
// and prefix claim. Unknown users read as zero credits, indistinguishable
// from an emptied account.
func (h *Handlers) BalanceHandler(c *gin.Context) {
	var req balanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "discord_id is required"})
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), req.DiscordID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": bal.Credits, "prefix": bal.KeyPrefix})
}

// AllCreditsHandler handles POST /api/all-credits (privileged): lists every
// account with the full projection, including the generated-key log.
func (h *Handlers) AllCreditsHandler(c *gin.Context) {
	accts, err := h.ledger.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	out := make([]gin.H, 0, len(accts))
	for _, acct := range accts {
		out = append(out, gin.H{
			"discord_id":     acct.UserID,
			"credits":        acct.Credits,
			"prefix":         acct.KeyPrefix,
			"generated_keys": acct.GeneratedKeys,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}
