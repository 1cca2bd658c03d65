// Package gatewaytest is an in-memory stand-in for the messaging gateway:
// the REST endpoints and the event socket the client consumes, backed by a
// volatile store and a per-user fan-out hub. Integration tests and the local
// demo mode run against it.
package gatewaytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/valsssa/TutorHub-sub003/internal/auth"
	"github.com/valsssa/TutorHub-sub003/internal/event"
	"github.com/valsssa/TutorHub-sub003/internal/model"
)

const tokenTTL = 24 * time.Hour

type Server struct {
	store  *Store
	hub    *hub
	secret string
	engine *gin.Engine
	log    *zap.Logger
	ts     *httptest.Server
}

func NewServer(secret string, logger *zap.Logger) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		store:  NewStore(),
		hub:    newHub(logger),
		secret: secret,
		log:    logger,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/ws", s.handleSocket)

	api := engine.Group("/api", s.authenticate)
	api.GET("/me", s.handleMe)
	api.GET("/threads", s.handleThreads)
	api.GET("/threads/messages", s.handleThreadMessages)
	api.POST("/threads/read", s.handleMarkRead)
	api.POST("/messages", s.handleSend)

	s.engine = engine
	return s
}

// SeedUser registers a user the gateway will authenticate and address.
func (s *Server) SeedUser(u model.User) { s.store.SeedUser(u) }

// SeedMessage inserts a message straight into the store, for fixtures. No
// live event is emitted.
func (s *Server) SeedMessage(senderID, recipientID, bookingID, body string) model.Message {
	return s.store.Append(model.Message{
		SenderID:    senderID,
		RecipientID: recipientID,
		BookingID:   bookingID,
		Body:        body,
	})
}

// Token mints a signed token for a seeded user.
func (s *Server) Token(userID string) (string, error) {
	u, ok := s.store.User(userID)
	if !ok {
		return "", fmt.Errorf("user %s not seeded", userID)
	}
	return auth.SignToken(s.secret, u, tokenTTL)
}

// Start serves over a real listener and returns the HTTP base URL.
func (s *Server) Start() string {
	s.ts = httptest.NewServer(s.engine)
	return s.ts.URL
}

// SocketURL is the ws endpoint of a started server.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
}

// Router exposes the handler for callers that bind their own listener.
func (s *Server) Router() http.Handler { return s.engine }

// ConnectedUsers reports who currently holds a live socket.
func (s *Server) ConnectedUsers() []string { return s.hub.connectedUsers() }

func (s *Server) Close() {
	s.hub.stop()
	if s.ts != nil {
		s.ts.Close()
	}
}

func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	user, err := auth.VerifyToken(s.secret, token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Set("userId", user.ID)
	c.Next()
}

func currentUserID(c *gin.Context) string { return c.GetString("userId") }

func (s *Server) handleSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}
	user, err := auth.VerifyToken(s.secret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	// blocks until the connection drops
	s.hub.serveWS(c.Writer, c.Request, user.ID)
}

func (s *Server) handleMe(c *gin.Context) {
	u, ok := s.store.User(currentUserID(c))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleThreads(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Threads(currentUserID(c)))
}

func (s *Server) handleThreadMessages(c *gin.Context) {
	counterpartID := c.Query("counterpartId")
	if counterpartID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "counterpartId is required"})
		return
	}
	msgs := s.store.ThreadMessages(currentUserID(c), counterpartID, c.Query("bookingId"))
	c.JSON(http.StatusOK, msgs)
}

type threadRef struct {
	CounterpartID string `json:"counterpartId"`
	BookingID     string `json:"bookingId"`
}

func (s *Server) handleMarkRead(c *gin.Context) {
	var req threadRef
	if err := c.ShouldBindJSON(&req); err != nil || req.CounterpartID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "counterpartId is required"})
		return
	}
	s.store.MarkRead(currentUserID(c), req.CounterpartID, req.BookingID)
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	CounterpartID string `json:"counterpartId"`
	BookingID     string `json:"bookingId"`
	Body          string `json:"body"`
	CorrelationID string `json:"correlationId"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is required"})
		return
	}
	if _, ok := s.store.User(req.CounterpartID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown recipient"})
		return
	}

	senderID := currentUserID(c)
	msg := s.store.Append(model.Message{
		CorrelationID: req.CorrelationID,
		SenderID:      senderID,
		RecipientID:   req.CounterpartID,
		BookingID:     req.BookingID,
		Body:          req.Body,
	})

	// both participants get the live event; the sender's echo carries the
	// correlation id so other devices reconcile their optimistic entry
	env := event.NewMessageCreated(msg)
	s.hub.sendTo(req.CounterpartID, env)
	s.hub.sendTo(senderID, env)

	c.JSON(http.StatusCreated, msg)
}
