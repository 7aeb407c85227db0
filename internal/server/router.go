package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/profilevault/internal/accounts"
	"github.com/MarcoPoloResearchLab/profilevault/internal/auth"
	"github.com/MarcoPoloResearchLab/profilevault/internal/integrity"
	"github.com/MarcoPoloResearchLab/profilevault/internal/profiles"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	requesterContextKey = "profilevault_requester"
	retryAfterSeconds   = 1
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileStore     = errors.New("profile store dependency required")
	errMissingDirectory        = errors.New("account directory dependency required")
	errMissingAuditor          = errors.New("integrity auditor dependency required")
	errMissingAvatarReconciler = errors.New("avatar reconciler dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Session, error)
}

type ProfileStore interface {
	ReadProfile(ctx context.Context, targetAccountID int64, requester profiles.Requester) (profiles.ProfileView, error)
	WriteProfile(ctx context.Context, targetAccountID int64, requester profiles.Requester, attributes profiles.Attributes) (profiles.ProfileView, error)
	AssignAvatar(ctx context.Context, targetAccountID int64, path string) (profiles.ProfileView, error)
}

type AccountDirectory interface {
	SetStatus(ctx context.Context, accountID int64, next accounts.Status) (accounts.Account, error)
}

type IntegrityAuditor interface {
	RunIntegrityScan(ctx context.Context, mode integrity.Mode) (integrity.IntegrityReport, error)
}

type AvatarReconciler interface {
	ReconcileAvatars(ctx context.Context, mode integrity.AvatarMode) (integrity.AvatarReport, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	ProfileStore      ProfileStore
	Directory         AccountDirectory
	Auditor           IntegrityAuditor
	Avatars           AvatarReconciler
	Logger            *zap.Logger
	Clock             func() time.Time
	FingerprintWindow time.Duration
	AllowedOrigins    []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.ProfileStore == nil {
		return nil, errMissingProfileStore
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Auditor == nil {
		return nil, errMissingAuditor
	}
	if deps.Avatars == nil {
		return nil, errMissingAvatarReconciler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		store:             deps.ProfileStore,
		directory:         deps.Directory,
		auditor:           deps.Auditor,
		avatars:           deps.Avatars,
		logger:            logger,
		clock:             clock,
		fingerprintWindow: deps.FingerprintWindow,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profiles/:accountID", handler.handleReadProfile)
	protected.PATCH("/profiles/:accountID", handler.handleWriteProfile)
	protected.PUT("/profiles/:accountID/avatar", handler.handleSetAvatar)

	admin := protected.Group("/admin")
	admin.Use(handler.requireElevated)
	admin.POST("/accounts/:accountID/status", handler.handleSetAccountStatus)
	admin.POST("/integrity", handler.handleIntegrityScan)
	admin.POST("/avatars", handler.handleReconcileAvatars)

	return router, nil
}

// corsMiddleware admits credentialed cross-origin requests only from the listed origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			_, ok := allowed[origin]
			return ok
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPatch, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions          SessionValidator
	store             ProfileStore
	directory         AccountDirectory
	auditor           IntegrityAuditor
	avatars           AvatarReconciler
	logger            *zap.Logger
	clock             func() time.Time
	fingerprintWindow time.Duration
}

type profileUpdatePayload struct {
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
	BirthDate *string `json:"birth_date"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatar_url"`
}

type avatarPayload struct {
	Path string `json:"path"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type accountPayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	Role     string `json:"role"`
}

func (h *httpHandler) handleReadProfile(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	view, err := h.store.ReadProfile(c.Request.Context(), accountID, requester)
	if err != nil {
		h.writeProfileError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleWriteProfile(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	view, err := h.store.WriteProfile(c.Request.Context(), accountID, requester, profiles.Attributes{
		FirstName: request.FirstName,
		LastName:  request.LastName,
		Phone:     request.Phone,
		BirthDate: request.BirthDate,
		Bio:       request.Bio,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		h.writeProfileError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleSetAvatar(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}
	if !profiles.CanAccess(requester.ID, requester.Role, accountID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request avatarPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	view, err := h.store.AssignAvatar(c.Request.Context(), accountID, request.Path)
	if err != nil {
		h.writeProfileError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleSetAccountStatus(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	accountID, ok := accountIDParam(c)
	if !ok {
		return
	}

	var request statusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := accounts.ParseStatus(request.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	if accountID == requester.ID && status == accounts.StatusInactive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_deactivate_self"})
		return
	}

	account, err := h.directory.SetStatus(c.Request.Context(), accountID, status)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		if profiles.Retryable(err) {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resource_busy"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_change_failed"})
		return
	}
	c.JSON(http.StatusOK, accountPayload{
		ID:       account.ID,
		Username: account.Username,
		Status:   string(account.Status),
		Role:     string(account.Role),
	})
}

func (h *httpHandler) handleIntegrityScan(c *gin.Context) {
	mode, err := integrity.ParseMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	report, err := h.auditor.RunIntegrityScan(c.Request.Context(), mode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_scan_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleReconcileAvatars(c *gin.Context) {
	mode, err := integrity.ParseAvatarMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	report, err := h.avatars.ReconcileAvatars(c.Request.Context(), mode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "avatar_reconciliation_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	session, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	role := accounts.RoleUser
	if session.Claims.HasRole(string(accounts.RoleAdmin)) {
		role = accounts.RoleAdmin
	}
	requester := profiles.Requester{
		ID:          session.Claims.UserID,
		Role:        role,
		Fingerprint: profiles.DeriveFingerprint(session.Token, session.Claims.UserID, h.clock(), h.fingerprintWindow),
	}
	c.Set(requesterContextKey, requester)
	c.Next()
}

func (h *httpHandler) requireElevated(c *gin.Context) {
	requester, ok := h.requester(c)
	if !ok {
		return
	}
	if !requester.Role.Elevated() {
		h.logger.Info("admin route refused", zap.Int64("requester_id", requester.ID), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) requester(c *gin.Context) (profiles.Requester, bool) {
	value, exists := c.Get(requesterContextKey)
	requester, ok := value.(profiles.Requester)
	if !exists || !ok || requester.ID <= 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return profiles.Requester{}, false
	}
	return requester, true
}

func accountIDParam(c *gin.Context) (int64, bool) {
	accountID, err := accounts.ParseAccountID(c.Param("accountID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_id"})
		return 0, false
	}
	return accountID, true
}

// writeProfileError maps the profile error taxonomy onto HTTP statuses. The store has
// already logged the failure.
func (h *httpHandler) writeProfileError(c *gin.Context, err error) {
	body := gin.H{}
	var serviceErr *profiles.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, profiles.ErrNotFound):
		status = http.StatusNotFound
		body["error"] = "not_found"
	case errors.Is(err, profiles.ErrForbidden):
		status = http.StatusForbidden
		body["error"] = "forbidden"
	case errors.Is(err, profiles.ErrLeaseConflict):
		status = http.StatusConflict
		body["error"] = "lease_conflict"
		body["action"] = "reload_and_resubmit"
	case errors.Is(err, profiles.ErrInvalidAttributes):
		status = http.StatusUnprocessableEntity
		body["error"] = "invalid_attributes"
	case errors.Is(err, profiles.ErrInvalidReference):
		status = http.StatusUnprocessableEntity
		body["error"] = "invalid_reference"
	case profiles.Retryable(err):
		status = http.StatusServiceUnavailable
		body["error"] = "resource_busy"
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	default:
		body["error"] = "internal_error"
	}
	c.JSON(status, body)
}
