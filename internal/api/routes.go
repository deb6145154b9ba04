package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/evi/internal/auth"
	"github.com/satriahrh/arunika/evi/internal/websocket"
)

const serviceName = "evi-relay"

// InitRoutes initializes all relay routes
func InitRoutes(e *echo.Echo, hub *websocket.Hub, issuer *auth.TokenIssuer, logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:  "ok",
			Service: serviceName,
			Clients: hub.ClientCount(),
		})
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, issuer, c, logger)
	})
}

// bearerToken reads the token from the Authorization header, falling back
// to the token query parameter since browsers cannot set headers on upgrade.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return token
	}
	return c.QueryParam("token")
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, issuer *auth.TokenIssuer, c echo.Context, logger *zap.Logger) error {
	token := bearerToken(c)
	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header or token query parameter",
		})
	}

	claims, err := issuer.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != auth.RoleClient {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only client tokens are allowed for WebSocket connections",
		})
	}

	if claims.ClientID == "" {
		logger.Error("WebSocket connection rejected: missing client ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Client ID not found in token",
		})
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("clientName", claims.ClientID),
		zap.String("role", claims.Role))

	return hub.HandleWebSocket(c, claims.ClientID)
}
