package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ticketgate/internal/access"
	"ticketgate/internal/auth"
	"ticketgate/internal/catalog"
	"ticketgate/internal/distribution"
	"ticketgate/internal/subscription"
)

const operatorIDContextKey = "ticketgate_operator_id"

var (
	errMissingAccessService       = errors.New("access service dependency required")
	errMissingSubscriptionService = errors.New("subscription service dependency required")
	errMissingIngestor            = errors.New("ingestor dependency required")
	errMissingEngine              = errors.New("distribution engine dependency required")
	errMissingTokens              = errors.New("operator tokens dependency required")
	errInvalidAuthorization       = errors.New("authorization header missing or invalid")
)

// Dependencies bundles the services the HTTP surface dispatches into.
type Dependencies struct {
	Access        *access.Service
	Subscriptions *subscription.Service
	Ingestor      *catalog.Ingestor
	Engine        *distribution.Engine
	Tokens        *auth.OperatorTokens
	InboxDir      string
	RedeemRate    float64
	RedeemBurst   int
	Logger        *zap.Logger
}

// NewHTTPHandler wires the operator and redemption endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Access == nil {
		return nil, errMissingAccessService
	}
	if deps.Subscriptions == nil {
		return nil, errMissingSubscriptionService
	}
	if deps.Ingestor == nil {
		return nil, errMissingIngestor
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		accessControl: deps.Access,
		subscriptions: deps.Subscriptions,
		ingestor:      deps.Ingestor,
		engine:        deps.Engine,
		tokens:        deps.Tokens,
		inboxDir:      deps.InboxDir,
		logger:        logger,
	}

	redeemLimiter := newIPRateLimiter(deps.RedeemRate, deps.RedeemBurst)

	router.POST("/api/auth/operator", handler.handleOperatorAuth)
	router.POST("/api/redeem", redeemLimiter.middleware(), handler.handleRedeem)

	protected := router.Group("/api")
	protected.Use(handler.authorizeOperator)
	protected.POST("/links", handler.handleCreateLink)
	protected.GET("/links/:token/qr", handler.handleLinkQR)
	protected.POST("/distribute", handler.handleDistribute)
	protected.POST("/ingest", handler.handleIngest)
	protected.POST("/recover", handler.handleRecover)
	protected.GET("/stats", handler.handleStats)
	protected.GET("/subscribers", handler.handleListSubscribers)
	protected.GET("/admins", handler.handleListAdmins)
	protected.POST("/admins", handler.handleGrantAdmin)

	return router, nil
}

type httpHandler struct {
	accessControl *access.Service
	subscriptions *subscription.Service
	ingestor      *catalog.Ingestor
	engine        *distribution.Engine
	tokens        *auth.OperatorTokens
	inboxDir      string
	logger        *zap.Logger
}

type operatorAuthPayload struct {
	PrincipalID int64  `json:"principal_id"`
	AccessKey   string `json:"access_key"`
}

type operatorAuthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleOperatorAuth(c *gin.Context) {
	var request operatorAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PrincipalID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.accessControl.IsAdmin(c.Request.Context(), request.PrincipalID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}

	token, expiresIn, err := h.tokens.Issue(request.PrincipalID, request.AccessKey)
	if err != nil {
		if errors.Is(err, auth.ErrBadAccessKey) {
			h.logger.Warn("operator access key rejected",
				zap.Int64("principal_id", request.PrincipalID))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("operator token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, operatorAuthResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type redeemPayload struct {
	PrincipalID int64  `json:"principal_id"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name"`
	Token       string `json:"token"`
}

func (h *httpHandler) handleRedeem(c *gin.Context) {
	var request redeemPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		request.PrincipalID == 0 || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.subscriptions.Redeem(c.Request.Context(), subscription.RedeemRequest{
		PrincipalID: request.PrincipalID,
		Username:    request.Username,
		FirstName:   request.FirstName,
		Token:       strings.TrimSpace(request.Token),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "redeem_failed"})
		return
	}

	if result.Outcome == subscription.OutcomeGranted {
		// Opportunistic distribution to the newly pending set. Failures are
		// the batch's to report; redemption already succeeded.
		report, err := h.engine.DistributePendingBatch(c.Request.Context())
		if err != nil {
			h.logger.Error("post-redemption distribution failed", zap.Error(err))
		} else {
			h.logger.Info("post-redemption distribution",
				zap.Int("sent", report.Sent), zap.Bool("shortage", report.Shortage))
		}
	}

	c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome)})
}

func (h *httpHandler) handleCreateLink(c *gin.Context) {
	issuerID := c.GetInt64(operatorIDContextKey)
	link, err := h.subscriptions.IssueLink(c.Request.Context(), issuerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "link_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": link.Token, "url": link.URL})
}

func (h *httpHandler) handleLinkQR(c *gin.Context) {
	token := c.Param("token")
	if _, err := h.subscriptions.Link(c.Request.Context(), token); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "link_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "link_lookup_failed"})
		return
	}

	png, err := qrcode.Encode(h.subscriptions.RedemptionURL(token), qrcode.Medium, 256)
	if err != nil {
		h.logger.Error("qr encoding failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_failed"})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

func (h *httpHandler) handleDistribute(c *gin.Context) {
	report, err := h.engine.DistributePendingBatch(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "distribution_failed"})
		return
	}
	c.JSON(http.StatusOK, batchReportPayload(report))
}

func batchReportPayload(report distribution.BatchReport) gin.H {
	failures := make([]gin.H, 0, len(report.Failures))
	for _, failure := range report.Failures {
		failures = append(failures, gin.H{
			"principal_id": failure.PrincipalID,
			"first_name":   failure.FirstName,
			"username":     failure.Username,
			"reason":       failure.Reason,
		})
	}
	return gin.H{
		"pending":  report.Pending,
		"free":     report.Free,
		"sent":     report.Sent,
		"shortage": report.Shortage,
		"failures": failures,
	}
}

func (h *httpHandler) handleIngest(c *gin.Context) {
	upload, err := c.FormFile("bundle")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle_required"})
		return
	}
	if !strings.EqualFold(filepath.Ext(upload.Filename), ".zip") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "zip_required"})
		return
	}

	if err := os.MkdirAll(h.inboxDir, 0o755); err != nil {
		h.logger.Error("inbox directory unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}
	bundlePath := filepath.Join(h.inboxDir, fmt.Sprintf("upload_%d.zip", time.Now().UnixNano()))
	if err := c.SaveUploadedFile(upload, bundlePath); err != nil {
		h.logger.Error("bundle upload save failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}
	defer os.Remove(bundlePath)

	ingested, err := h.ingestor.IngestArchive(c.Request.Context(), bundlePath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle_unreadable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ingested": ingested})
}

type recoverPayload struct {
	PrincipalID int64 `json:"principal_id"`
}

func (h *httpHandler) handleRecover(c *gin.Context) {
	var request recoverPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PrincipalID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if !h.accessControl.HasActiveSubscription(c.Request.Context(), request.PrincipalID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "no_active_subscription"})
		return
	}

	result, err := h.engine.Recover(c.Request.Context(), request.PrincipalID)
	if err != nil {
		if errors.Is(err, distribution.ErrNoSubscriber) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscriber_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome":  string(result.Outcome),
		"attempts": result.Attempts,
		"reason":   result.Reason,
	})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.engine.CollectStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subscribers":         stats.Subscribers,
		"active_subscribers":  stats.ActiveSubscribers,
		"pending_subscribers": stats.PendingSubscribers,
		"files":               stats.Files,
		"distributed_files":   stats.DistributedFiles,
		"free_files":          stats.FreeFiles,
		"links":               stats.Links,
		"used_links":          stats.UsedLinks,
	})
}

func (h *httpHandler) handleListSubscribers(c *gin.Context) {
	subscribers, err := h.subscriptions.ListSubscribers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]gin.H, 0, len(subscribers))
	for _, subscriber := range subscribers {
		payload = append(payload, gin.H{
			"principal_id":   subscriber.PrincipalID,
			"username":       subscriber.Username,
			"first_name":     subscriber.FirstName,
			"has_access":     subscriber.HasAccess,
			"alias":          subscriber.Alias,
			"files_received": subscriber.FilesReceived,
			"pending":        subscriber.Pending,
		})
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": payload})
}

func (h *httpHandler) handleListAdmins(c *gin.Context) {
	admins, err := h.accessControl.ListAdmins(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	payload := make([]gin.H, 0, len(admins))
	for _, admin := range admins {
		payload = append(payload, gin.H{
			"principal_id": admin.PrincipalID,
			"username":     admin.Username,
			"first_name":   admin.FirstName,
			"added_by":     admin.AddedBy,
		})
	}
	c.JSON(http.StatusOK, gin.H{"admins": payload})
}

type grantAdminPayload struct {
	PrincipalID int64  `json:"principal_id"`
	Username    string `json:"username"`
	FirstName   string `json:"first_name"`
}

func (h *httpHandler) handleGrantAdmin(c *gin.Context) {
	var request grantAdminPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.PrincipalID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	grantedBy := c.GetInt64(operatorIDContextKey)
	err := h.accessControl.GrantAdmin(c.Request.Context(),
		request.PrincipalID, request.Username, request.FirstName, grantedBy)
	if err != nil {
		if errors.Is(err, access.ErrAlreadyAdmin) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_admin"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "grant_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": true})
}

func (h *httpHandler) authorizeOperator(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principalID, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("operator token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	// Admin rights can be revoked while a token is live; re-check every call.
	if !h.accessControl.IsAdmin(c.Request.Context(), principalID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return
	}
	c.Set(operatorIDContextKey, principalID)
	c.Next()
}
