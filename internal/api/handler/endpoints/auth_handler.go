package endpoints

import (
	"net/http"
	"time"

	"flowstudio"
	"flowstudio/internal/api/handler/middleware"
	"flowstudio/internal/api/handler/request"
	"flowstudio/internal/api/handler/response"
	"flowstudio/pkg"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type authHandler struct {
	logger zerolog.Logger
	config flowstudio.AppConfig
}

func newAuthHandler(config flowstudio.AppConfig, logger zerolog.Logger) *authHandler {
	return &authHandler{
		logger: logger,
		config: config,
	}
}

// AuthHandler exposes the caller's identity and, in dev mode, a token
// endpoint for editors and observers. Tokens are otherwise issued by the
// identity provider sharing JWT_SECRET.
func AuthHandler(router gin.IRouter, config flowstudio.AppConfig, logger zerolog.Logger) {
	h := newAuthHandler(config, logger)

	if h.config.Mode == "dev" {
		router.POST("/api/v1/auth/token", h.issueToken)
	}

	protected := router.Group("/api/v1")
	protected.Use(middleware.AuthMiddleware(h.config))
	{
		protected.GET("/me", h.getMe)
	}
}

func (slf *authHandler) issueToken(c *gin.Context) {
	var req request.IssueToken
	if err := pkg.ParseAndValidate(c, &req); err != nil {
		slf.logger.Debug().Err(err).Msg("Error parsing and validating token request")
		c.JSON(http.StatusBadRequest, response.APIError{Message: err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	expiration := slf.config.JWTConfig.Expiration
	token, err := pkg.GenerateToken(req.UserID, req.Email, req.Role, slf.config.JWTConfig.Secret, expiration)
	if err != nil {
		slf.logger.Error().Err(err).Msg("Error signing token")
		c.JSON(http.StatusInternalServerError, response.APIError{Message: "Failed to issue token"})
		return
	}
	c.JSON(http.StatusCreated, response.Token{
		Token:     token,
		ExpiresAt: time.Now().Add(time.Duration(expiration) * time.Minute),
	})
}

func (slf *authHandler) getMe(c *gin.Context) {
	userID, ok := pkg.GetUserID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":   userID,
		"username": c.GetString("username"),
		"role":     c.GetString("userRole"),
	})
}
