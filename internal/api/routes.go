package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/roulette-engine/internal/queue"
	"github.com/rawblock/roulette-engine/internal/realtime"
	"github.com/rawblock/roulette-engine/internal/room"
	"github.com/rawblock/roulette-engine/internal/store"
	"github.com/rawblock/roulette-engine/pkg/models"
)

// APIHandler serves the thin REST shell around the engine: health,
// room lookup, queue snapshot, and the verifier endpoint. The
// WebSocket upgrade itself is owned end to end by internal/realtime.
type APIHandler struct {
	rooms *room.Manager
	queue *queue.Manager
	store *store.Store
	hub   *realtime.Hub
}

// SetupRouter wires the REST surface, grounded on the teacher's
// SetupRouter — same CORS middleware, same public/protected route
// grouping with AuthMiddleware + NewRateLimiter on protected routes.
func SetupRouter(rooms *room.Manager, queueMgr *queue.Manager, st *store.Store, hub *realtime.Hub) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{rooms: rooms, queue: queueMgr, store: st, hub: hub}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/ws", NewRateLimiter(30, 5).Middleware(), func(c *gin.Context) { hub.ServeWS(c.Writer, c.Request) })
		pub.GET("/queue/snapshot", handler.handleQueueSnapshot)
		pub.GET("/rooms/:id", handler.handleGetRoom)
	}

	protected := r.Group("/api/v1")
	protected.Use(AuthMiddleware())
	protected.Use(NewRateLimiter(30, 5).Middleware())
	{
		protected.POST("/rooms", handler.handleCreateRoom)
		protected.GET("/rooms/:id/verify", handler.handleVerifyRoom)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "operational",
		"engine":         "roulette-engine",
		"storeConnected": h.store != nil,
		"connectedUsers": h.hub.UniqueWalletCount(),
	})
}

// handleGetRoom returns a single Room snapshot for clients that fetch
// before opening a WebSocket connection.
func (h *APIHandler) handleGetRoom(c *gin.Context) {
	r, ok := h.rooms.Lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, r)
}

type createRoomRequest struct {
	Mode              string `json:"mode"`
	SeatPrice         int64  `json:"seatPrice"`
	MinPlayers        int    `json:"minPlayers"`
	MaxPlayers        int    `json:"maxPlayers"`
	FundingTimeoutSec int    `json:"fundingTimeoutSeconds"`
}

// handleCreateRoom materializes a custom room directly via the REST
// surface (§1's "custom room" creation path, bypassing the Queue
// Manager's automatic matchmaking for players who already agreed to
// play together).
func (h *APIHandler) handleCreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.FundingTimeoutSec <= 0 {
		req.FundingTimeoutSec = 60
	}

	r, err := h.rooms.CreateRoom(modeFromString(req.Mode), req.SeatPrice, req.MinPlayers, req.MaxPlayers,
		secondsToDuration(req.FundingTimeoutSec))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// handleVerifyRoom exposes the supplemented verifier endpoint
// (SUPPLEMENTED FEATURES #1): the full fairness-proof bundle for a
// settled or aborted room.
func (h *APIHandler) handleVerifyRoom(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not connected"})
		return
	}
	bundle, err := h.store.LoadVerificationBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bundle == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if bundle.Room.State != models.StateSettled && bundle.Room.State != models.StateAborted {
		c.JSON(http.StatusConflict, gin.H{"error": "room is not settled or aborted"})
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// handleQueueSnapshot exposes current bucket depths per
// (mode, seatPrice) for operator visibility (SUPPLEMENTED FEATURES #3).
func (h *APIHandler) handleQueueSnapshot(c *gin.Context) {
	snapshot := h.queue.Snapshot()
	out := make([]gin.H, 0, len(snapshot))
	for key, depth := range snapshot {
		out = append(out, gin.H{
			"mode":      key.Mode,
			"seatPrice": key.SeatPrice,
			"waiting":   depth,
		})
	}
	c.JSON(http.StatusOK, gin.H{"buckets": out})
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func modeFromString(s string) models.Mode {
	switch strings.ToUpper(s) {
	case "EXTREME":
		return models.ModeExtreme
	default:
		return models.ModeRegular
	}
}
