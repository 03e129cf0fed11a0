// Package webhook runs the local ingress HTTP server: the authenticated
// notification endpoint, a health probe, and the websocket debug event stream.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codexbridge/codexbridge/internal/common/config"
	"github.com/codexbridge/codexbridge/internal/common/logger"
)

// maxBodyBytes bounds webhook payloads
const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to loopback; origin checks add nothing here
		return true
	},
}

// Ingestor accepts a normalized notification payload
type Ingestor interface {
	Ingest(ctx context.Context, payload interface{}, source, sourceAccount, sourceEventID string) (string, bool, error)
}

// Server is the webhook ingress HTTP server
type Server struct {
	cfg        config.WebhookConfig
	ingest     Ingestor
	hub        *Hub
	logger     *logger.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates the ingress server. hub may be nil to disable the debug
// stream.
func NewServer(cfg config.WebhookConfig, ingest Ingestor, hub *Hub, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		ingest:    ingest,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "webhook-server")),
		startedAt: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.HandleMethodNotAllowed = true

	router.POST(cfg.Path, s.handleNotify)
	router.GET("/health", s.handleHealth)
	if hub != nil {
		router.GET("/stream", s.handleStream)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		s.logger.Info("webhook server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("webhook server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authorized checks the shared secret from either the Authorization bearer
// token or the X-Bridge-Secret header, in constant time
func (s *Server) authorized(c *gin.Context) bool {
	presented := ""
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else if header := c.GetHeader("X-Bridge-Secret"); header != "" {
		presented = header
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.Secret)) == 1
}

func (s *Server) handleNotify(c *gin.Context) {
	if !s.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var payload interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid JSON payload"})
		return
	}

	id, duplicate, err := s.ingest.Ingest(c.Request.Context(), payload, "webhook",
		c.GetHeader("X-Source-Account"), c.GetHeader("X-Event-Id"))
	if err != nil {
		s.logger.Error("ingest failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "failed to store notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"notificationId": id,
		"duplicate":      duplicate,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"stream": s.hub != nil,
	})
}

func (s *Server) handleStream(c *gin.Context) {
	if !s.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &streamClient{
		id:     uuid.New().String(),
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    s.hub,
		logger: s.logger,
	}
	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}
