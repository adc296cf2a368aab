package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skymigrate/pds-migrator/internal/failure"
	"github.com/skymigrate/pds-migrator/internal/pds"
	"github.com/skymigrate/pds-migrator/internal/storage"
	"github.com/skymigrate/pds-migrator/pkg/types"
)

// MigrationService interface for migration operations
type MigrationService interface {
	Submit(ctx context.Context, req types.MigrationRequest) (*storage.Migration, error)
	Cancel(ctx context.Context, id string) error
	SubmitPLCToken(ctx context.Context, id, token string) error
	RequestNewPLCToken(ctx context.Context, id string) error
}

// MigrationStore is the read side used by status and health queries.
type MigrationStore interface {
	GetByAccessToken(ctx context.Context, token string) (*storage.Migration, error)
	CountByStatuses(ctx context.Context, statuses ...types.MigrationStatus) (int, error)
}

// Handler handles HTTP API requests
type Handler struct {
	service MigrationService
	store   MigrationStore
}

// NewHandler creates a new API handler
func NewHandler(service MigrationService, store MigrationStore) *Handler {
	return &Handler{
		service: service,
		store:   store,
	}
}

// SetupRoutes configures the API routes. Creating a migration requires
// an admin token; everything keyed by the opaque access token is
// self-authenticating.
func SetupRoutes(router *gin.Engine, handler *Handler, adminAuth gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.POST("/migrations", adminAuth, handler.SubmitMigration)
		api.GET("/migrations/:token", handler.GetMigrationStatus)
		api.POST("/migrations/:token/cancel", handler.CancelMigration)
		api.POST("/migrations/:token/plc-token", handler.SubmitPLCToken)
		api.POST("/migrations/:token/plc-token/resend", handler.ResendPLCToken)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// SubmitMigration handles migration submission requests
func (h *Handler) SubmitMigration(c *gin.Context) {
	var req types.MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	mig, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, types.MigrationResponse{
		ID:          mig.ID,
		AccessToken: mig.AccessToken,
		Status:      string(mig.Status),
	})
}

func (h *Handler) writeSubmitError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrActiveMigrationExists) {
		c.JSON(http.StatusConflict, types.ErrorResponse{
			Error:   "migration already active",
			Message: "this identity already has a migration in progress",
			Code:    409,
		})
		return
	}

	// The second-factor demand must stay distinguishable so the caller
	// can re-prompt and resubmit with the emailed code.
	if pds.IsAuthFactorRequired(err) {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "auth_factor_required",
			Message: err.Error(),
			Code:    401,
		})
		return
	}

	if perr, ok := pds.AsError(err); ok {
		status := http.StatusBadGateway
		switch perr.Code {
		case pds.CodeAuthRequired, pds.CodeInvalidToken, pds.CodeExpiredToken:
			status = http.StatusUnauthorized
		case pds.CodeIdentityMismatch, pds.CodeInvalidInviteCode:
			status = http.StatusBadRequest
		case pds.CodeAccountAlreadyExists:
			status = http.StatusConflict
		}
		c.JSON(status, types.ErrorResponse{
			Error:   perr.Code,
			Message: perr.Message,
			Code:    status,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, types.ErrorResponse{
		Error:   "failed to submit migration",
		Message: err.Error(),
		Code:    500,
	})
}

// GetMigrationStatus returns the status of a migration looked up by
// its opaque access token
func (h *Handler) GetMigrationStatus(c *gin.Context) {
	mig, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, statusResponse(mig))
}

// CancelMigration cancels a migration that has not yet reached the
// identity-directory stage
func (h *Handler) CancelMigration(c *gin.Context) {
	mig, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), mig.ID); err != nil {
		status := http.StatusInternalServerError
		msg := err.Error()
		if errors.Is(err, storage.ErrInvalidTransition) {
			status = http.StatusConflict
			msg = "migration can no longer be cancelled"
		}
		c.JSON(status, types.ErrorResponse{
			Error:   "failed to cancel migration",
			Message: msg,
			Code:    status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": string(types.StatusCancelled),
		"id":     mig.ID,
	})
}

// plcTokenRequest carries the emailed confirmation token.
type plcTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// SubmitPLCToken accepts the emailed confirmation token and resumes
// the parked identity-directory stage
func (h *Handler) SubmitPLCToken(c *gin.Context) {
	mig, ok := h.lookup(c)
	if !ok {
		return
	}

	var req plcTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	if err := h.service.SubmitPLCToken(c.Request.Context(), mig.ID, req.Token); err != nil {
		c.JSON(http.StatusConflict, types.ErrorResponse{
			Error:   "failed to accept token",
			Message: err.Error(),
			Code:    409,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"id":     mig.ID,
	})
}

// ResendPLCToken discards any stored confirmation token and asks the
// source server to email a fresh one, recovering a migration whose
// token expired unused
func (h *Handler) ResendPLCToken(c *gin.Context) {
	mig, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := h.service.RequestNewPLCToken(c.Request.Context(), mig.ID); err != nil {
		c.JSON(http.StatusConflict, types.ErrorResponse{
			Error:   "failed to request new token",
			Message: err.Error(),
			Code:    409,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "requested",
		"id":     mig.ID,
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	active, err := h.store.CountByStatuses(c.Request.Context(),
		types.StatusPendingDownload, types.StatusPendingBackup, types.StatusBackupReady,
		types.StatusPendingAccount, types.StatusAccountCreated, types.StatusPendingRepo,
		types.StatusPendingBlobs, types.StatusPendingPrefs, types.StatusPendingPLC,
		types.StatusPendingActivation,
	)

	response := types.HealthResponse{
		Status:           "healthy",
		Timestamp:        time.Now(),
		Version:          "1.0.0",
		ActiveMigrations: active,
	}
	if err != nil {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) lookup(c *gin.Context) (*storage.Migration, bool) {
	token := c.Param("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "token parameter is required",
			Code:    400,
		})
		return nil, false
	}

	mig, err := h.store.GetByAccessToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "migration not found",
			Message: "no migration matches this token",
			Code:    404,
		})
		return nil, false
	}
	return mig, true
}

func statusResponse(m *storage.Migration) *types.StatusResponse {
	resp := &types.StatusResponse{
		ID:             m.ID,
		DID:            m.DID,
		Status:         m.Status,
		CurrentJobStep: m.CurrentJobStep,
		Attempts:       m.Attempts,
		Progress:       &m.Progress,
		Error:          m.LastError,
		ErrorCode:      m.ErrorCode,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}

	if m.ErrorCode != "" {
		adv := failure.Advisory(failure.Kind(m.ErrorCode))
		actions := make([]string, 0, len(adv.Actions))
		for _, a := range adv.Actions {
			actions = append(actions, string(a))
		}
		resp.Advisory = &types.FailureAdvisory{
			Kind:      string(adv.Kind),
			Severity:  string(adv.Severity),
			Title:     adv.Title,
			Actions:   actions,
			Retryable: adv.Retryable,
		}
	}
	return resp
}
