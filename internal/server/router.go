package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/followcrm/internal/auth"
	"github.com/MarcoPoloResearchLab/followcrm/internal/contacts"
	"github.com/MarcoPoloResearchLab/followcrm/internal/metrics"
	"github.com/MarcoPoloResearchLab/followcrm/internal/tools"
	"github.com/MarcoPoloResearchLab/followcrm/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey     = "followcrm_user_id"
	userHandleContextKey = "followcrm_user_handle"
)

var (
	errMissingLoginFlow     = errors.New("login flow dependency required")
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingContacts      = errors.New("contacts service dependency required")
	errInvalidAuthorization = errors.New("session cookie or bearer token missing or invalid")
)

type LoginFlow interface {
	Begin() (string, *http.Cookie, error)
	ClearStateCookie() *http.Cookie
	Complete(ctx context.Context, r *http.Request) (auth.XProfile, error)
}

type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, identity auth.SessionIdentity) (string, time.Time, error)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	CookieName() string
}

type IdentityRecorder interface {
	RecordLogin(ctx context.Context, login users.Login) (users.Identity, error)
}

// ContactService is the contact API served over HTTP.
type ContactService interface {
	tools.ContactOperations
	Stats(ctx context.Context, userID string) (contacts.ContactStats, error)
	Sync(ctx context.Context, userID, handle string) (contacts.SyncOutcome, error)
	Eligibility(ctx context.Context, userID, handle string) (contacts.Eligibility, error)
}

type Dependencies struct {
	Login         LoginFlow
	Tokens        SessionIssuer
	Sessions      SessionValidator
	Users         IdentityRecorder
	Contacts      ContactService
	MCP           http.Handler
	Realtime      *RealtimeDispatcher
	Logger        *zap.Logger
	PublicBaseURL string
	SecureCookies bool
	Version       string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Login == nil {
		return nil, errMissingLoginFlow
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Contacts == nil {
		return nil, errMissingContacts
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.PublicBaseURL))

	handler := &httpHandler{
		login:         deps.Login,
		tokens:        deps.Tokens,
		sessions:      deps.Sessions,
		users:         deps.Users,
		contacts:      deps.Contacts,
		realtime:      deps.Realtime,
		logger:        logger,
		publicBaseURL: strings.TrimRight(deps.PublicBaseURL, "/"),
		secureCookies: deps.SecureCookies,
		version:       deps.Version,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/openapi.json", handler.handleOpenAPI)
	router.GET("/auth/login", handler.handleLogin)
	router.GET("/auth/callback", handler.handleCallback)
	router.POST("/auth/logout", handler.handleLogout)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/", handler.handleDashboard)
	protected.GET("/sync", handler.handleSyncStatus)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/follows", handler.handleListFollows)
	protected.GET("/tags", handler.handleListTags)
	protected.POST("/contacts/bulk", handler.handleUpdateBulk)
	protected.POST("/contacts/:handle", handler.handleUpdateContact)
	protected.DELETE("/tags/:tag", handler.handleRemoveTag)
	protected.GET("/events", handler.handleEvents)
	if deps.MCP != nil {
		protected.Any("/mcp/*path", gin.WrapH(deps.MCP))
	}

	return router, nil
}

func corsMiddleware(publicBaseURL string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	origin := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
		config.AllowOrigins = []string{origin}
		config.AllowCredentials = true
	} else {
		config.AllowAllOrigins = true
	}
	return cors.New(config)
}

type httpHandler struct {
	login         LoginFlow
	tokens        SessionIssuer
	sessions      SessionValidator
	users         IdentityRecorder
	contacts      ContactService
	realtime      *RealtimeDispatcher
	logger        *zap.Logger
	publicBaseURL string
	secureCookies bool
	version       string
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleOpenAPI(c *gin.Context) {
	c.JSON(http.StatusOK, tools.OpenAPIDocument(h.publicBaseURL, h.version))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == "/" {
			c.Redirect(http.StatusFound, "/auth/login")
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", errInvalidAuthorization.Error()))
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userHandleContextKey, claims.UserHandle)
	c.Request = c.Request.WithContext(tools.WithUserID(c.Request.Context(), claims.UserID))
	c.Next()
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
