package relay

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a bearer token for any username. It exists so that local
// clients can exercise the authenticated path.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		token, err := middleware.IssueToken(jwtSecret, req.Username, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: req.Username,
		})
	}
}

// GetRoom returns the stored record of an open room
func GetRoom(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := hub.Room(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// NewRouter builds the relay's HTTP surface.
func NewRouter(cfg *config.Config, hub *Hub, metrics *Metrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": hub.Clients(),
			"rooms":   hub.Rooms(),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))
		apiGroup.GET("/rooms/:roomId", GetRoom(hub))
	}

	router.GET("/ws", middleware.JWTAuth(cfg.JWTSecret), hub.ServeWS)
	return router
}
