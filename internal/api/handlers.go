package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"moonit/internal/auth"
	"moonit/internal/config"
	"moonit/internal/docstore"
	"moonit/internal/metrics"
	"moonit/internal/models"
	"moonit/internal/worker"
)

const keepAliveInterval = 15 * time.Second

// Completer produces the assistant turn for a role/content history.
type Completer interface {
	Complete(ctx context.Context, history []models.ChatMessage) (models.ChatMessage, error)
}

// Handler wires HTTP routes to the document store, the auth service and the
// completion adapter. Completions run on the per-user fair dispatcher.
type Handler struct {
	store       *docstore.Store
	auth        *auth.Service
	completer   Completer
	workers     *worker.Dispatcher
	limiter     *limiterPool
	maxDuration time.Duration
	keepAlive   time.Duration
	log         logrus.FieldLogger

	closing   chan struct{}
	closeOnce sync.Once
}

// NewHandler constructs a Handler instance.
func NewHandler(store *docstore.Store, authService *auth.Service, completer Completer, workers *worker.Dispatcher, cfg *config.Config, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxDuration := cfg.Server.MaxDuration
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	return &Handler{
		store:       store,
		auth:        authService,
		completer:   completer,
		workers:     workers,
		limiter:     newLimiterPool(cfg.Chat.RatePerMinute, cfg.Chat.Burst),
		maxDuration: maxDuration,
		keepAlive:   keepAliveInterval,
		log:         log.WithField("component", "api"),
		closing:     make(chan struct{}),
	}
}

// Close ends the open change streams. Other requests are unaffected.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) authorizedUserID(c *gin.Context) (string, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.POST("/users/logout", h.logoutUser)
	protected.GET("/users/me", h.currentUser)
	protected.POST("/chat", h.rateLimit(), h.chat)

	sessions := protected.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/stream", h.streamSessions)
	sessions.PATCH("/:id", h.updateSession)
	sessions.DELETE("/:id", h.deleteSession)
	sessions.POST("/:id/messages", h.addMessage)
	sessions.GET("/:id/messages", h.listMessages)
	sessions.GET("/:id/messages/stream", h.streamMessages)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCredentialsRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, auth.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.log.WithError(err).Error("register user")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, userBody(user))
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrCredentialsRequired) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		h.log.WithError(err).Error("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", user.ID).Error("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	body := userBody(user)
	body["auth_token"] = authToken
	c.JSON(http.StatusOK, body)
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.CancelKey(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("revoke token")
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.auth.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.log.WithError(err).WithField("user_id", userID).Error("get user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load user failed"})
		return
	}
	c.JSON(http.StatusOK, userBody(user))
}

func userBody(user *models.User) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
