// Package keys implements the HTTP handlers for the license-key lifecycle:
// issuance, verification, owner lookup, revocation, and the administrative
// listing. Verification is the only public endpoint; everything else sits
// behind the admin-auth middleware.
package keys

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/license-registry/license-registry/internal/api/apiutil"
	"github.com/license-registry/license-registry/internal/audit"
	"github.com/license-registry/license-registry/internal/middleware"
	"github.com/license-registry/license-registry/internal/registry"
	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/telemetry"
)

// Handlers holds the key endpoints' dependencies.
type Handlers struct {
	registry *registry.Service
	audit    *audit.Recorder
}

// NewHandlers creates the key handler set. recorder may be nil when auditing
// is disabled.
func NewHandlers(reg *registry.Service, recorder *audit.Recorder) *Handlers {
	return &Handlers{registry: reg, audit: recorder}
}

type assigneeRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type addKeyRequest struct {
	Key         string             `json:"key"`
	SystemName  string             `json:"system_name"`
	ServerName  string             `json:"server_name"`
	PlaceID     apiutil.FlexString `json:"placeid"`
	AssignedTo  assigneeRequest    `json:"assigned_to"`
	Duration    string             `json:"duration"`
	GeneratedBy string             `json:"generated_by"`
}

// AddKeyHandler handles POST /api/add-key (privileged): issues a new license
// key with a duration-derived expiry.
func (h *Handlers) AddKeyHandler(c *gin.Context) {
	var req addKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid request body"})
		return
	}

	lic, err := h.registry.Issue(c.Request.Context(), registry.IssueRequest{
		Key:         req.Key,
		SystemName:  req.SystemName,
		ServerName:  req.ServerName,
		PlaceID:     req.PlaceID.String(),
		AssignedTo:  store.Assignee{ID: req.AssignedTo.ID, Name: req.AssignedTo.Name},
		Duration:    req.Duration,
		GeneratedBy: req.GeneratedBy,
	})
	if err != nil {
		var verr *registry.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verr.Error()})
		case errors.Is(err, store.ErrDuplicateKey):
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_key"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	telemetry.KeysIssuedTotal.Inc()
	h.audit.Record(audit.ActionIssueKey, middleware.Actor(c), lic.Key,
		"system="+lic.SystemName+" duration="+lic.Duration+" assigned_to="+lic.AssignedTo.ID)

	c.JSON(http.StatusOK, gin.H{"success": true, "expires_at": lic.ExpiresAt})
}

type verifyRequest struct {
	Key     string             `json:"key"`
	PlaceID apiutil.FlexString `json:"placeid"`
}

// VerifyHandler handles POST /api/verify (public): runs the redemption state
// machine for a key presented from a place. Failures are reported in-band with
// a 200 and a reason code; game servers treat any non-200 as a transport
// fault, not a verdict.
func (h *Handlers) VerifyHandler(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		telemetry.VerificationsTotal.WithLabelValues(registry.ReasonInvalidKey).Inc()
		c.JSON(http.StatusOK, gin.H{"success": false, "reason": registry.ReasonInvalidKey})
		return
	}

	result, err := h.registry.Verify(c.Request.Context(), req.Key, req.PlaceID.String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if result.OK {
		telemetry.VerificationsTotal.WithLabelValues("success").Inc()
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	telemetry.VerificationsTotal.WithLabelValues(result.Reason).Inc()
	c.JSON(http.StatusOK, gin.H{"success": false, "reason": result.Reason})
}

type checkKeyRequest struct {
	DiscordID string `json:"discord_id"`
}

// CheckKeyHandler handles POST /api/check-key (public): returns the redacted
// projections of the caller's non-expired keys. Unknown users get an empty
// list, indistinguishable from a user with no keys.
func (h *Handlers) CheckKeyHandler(c *gin.Context) {
	var req checkKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DiscordID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "discord_id is required"})
		return
	}

	summaries, err := h.registry.LookupByAssignee(c.Request.Context(), req.DiscordID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": summaries})
}

type deleteKeyRequest struct {
	Key string `json:"key"`
}

// DeleteKeyHandler handles POST /api/delete-key (privileged): revokes a key.
func (h *Handlers) DeleteKeyHandler(c *gin.Context) {
	var req deleteKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "key is required"})
		return
	}

	if err := h.registry.Revoke(c.Request.Context(), req.Key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	telemetry.KeysRevokedTotal.Inc()
	h.audit.Record(audit.ActionRevokeKey, middleware.Actor(c), req.Key, "")

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// AllKeysHandler handles POST /api/all-keys (privileged): lists every
// non-expired key with the full projection, including the place binding.
func (h *Handlers) AllKeysHandler(c *gin.Context) {
	lics, err := h.registry.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	out := make([]gin.H, 0, len(lics))
	for _, lic := range lics {
		out = append(out, gin.H{
			"system_name": lic.SystemName,
			"server_name": lic.ServerName,
			"key":         lic.Key,
			"placeid":     lic.PlaceID,
			"assigned_to": lic.AssignedTo,
			"expires_at":  lic.ExpiresAt,
			"used":        lic.Used,
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}
