// Package server exposes the board sync hub over HTTP: one websocket endpoint
// per channel (document and live relay) plus a small read-only REST surface.
package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"canvas-realtime/internal/config"
	"canvas-realtime/internal/hub"
)

// Server wraps the fiber app and the board hub.
type Server struct {
	app *fiber.App
	cfg *config.Config
	hub *hub.Hub
}

// New creates the server around an existing hub.
func New(cfg *config.Config, h *hub.Hub) *Server {
	app := fiber.New(fiber.Config{
		AppName:         "Canvas Realtime Sync",
		ServerHeader:    "Fiber",
		StrictRouting:   true,
		CaseSensitive:   true,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		Prefork:         false, // incompatible with websockets
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
	})

	return &Server{app: app, cfg: cfg, hub: h}
}

// SetupMiddleware installs recovery, request logging and CORS.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: false,
	}))
}

// SetupRoutes wires the REST and websocket endpoints.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	// Read-only snapshot of the server replica, for tooling and debugging.
	s.app.Get("/api/boards/:boardId/objects", func(c *fiber.Ctx) error {
		board := s.hub.GetOrCreateBoard(c.Params("boardId"))
		return c.JSON(fiber.Map{
			"boardId": c.Params("boardId"),
			"objects": board.Objects(),
		})
	})

	// Cross-instance occupancy, empty without a configured registry.
	s.app.Get("/api/boards/:boardId/sessions", func(c *fiber.Ctx) error {
		records, err := s.hub.BoardPresence(c.Context(), c.Params("boardId"))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to read occupancy"})
		}
		return c.JSON(fiber.Map{
			"boardId":  c.Params("boardId"),
			"sessions": records,
		})
	})

	// Websocket upgrade gate
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Document channel: replicated deltas, presence, sync.
	s.app.Get("/ws/board/:boardId", websocket.New(func(c *websocket.Conn) {
		boardID := c.Params("boardId")
		if boardID == "" {
			c.Close()
			return
		}
		s.hub.HandleBoardSocket(boardID, c)
	}, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))

	// Live channel: fire-and-forget preview frames. The session query ties the
	// relay to the client's document session so leave events line up.
	s.app.Get("/ws/live/:boardId", websocket.New(func(c *websocket.Conn) {
		boardID := c.Params("boardId")
		if boardID == "" {
			c.Close()
			return
		}
		s.hub.HandleLiveSocket(boardID, c.Query("session"), c)
	}, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start runs the server with graceful shutdown on SIGINT/SIGTERM.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("[Server] Canvas sync starting on %s", s.cfg.Server.Port)
	log.Printf("[Server] Board endpoint: ws://localhost%s/ws/board/:boardId", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
