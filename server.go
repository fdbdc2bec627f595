package triviastream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sessionCookieName   = "quiz-session"
	sessionIDKey        = "id"
	contextKeyRequestID = "request_id"
)

var errInternalSession = errors.New("failed to create session")

// ServerOptions configures the HTTP API.
type ServerOptions struct {
	GinMode        string
	AllowedOrigins []string
	SessionSecret  string
	SessionTTL     time.Duration
	SettleDelay    time.Duration
	Shuffle        func([]string) // nil uses math/rand
}

// Server is the HTTP API: the question endpoint plus the session backed quiz flow.
type Server struct {
	source   QuestionSource
	store    *ObservedStore
	cookies  *sessions.CookieStore
	upgrader websocket.Upgrader
	opts     ServerOptions

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	rounds   map[string]*round
	displays map[string]*Display

	log zerolog.Logger
}

// round is the background generation run of one session.
type round struct {
	cancel context.CancelFunc
	done   chan struct{} // closed once the run goroutine has returned
}

// NewServer creates the API server. store is wrapped for change notifications.
func NewServer(source QuestionSource, store SessionStore, opts ServerOptions, log zerolog.Logger) *Server {
	secret := []byte(opts.SessionSecret)
	if len(secret) == 0 {
		secret = securecookie.GenerateRandomKey(32)
		log.Warn().Msg("SESSION_SECRET not set, using a random key; sessions will not survive a restart")
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 2 * time.Hour
	}

	cookies := sessions.NewCookieStore(secret)
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(opts.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	observed, ok := store.(*ObservedStore)
	if !ok {
		observed = NewObservedStore(store)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{
		source:   source,
		store:    observed,
		cookies:  cookies,
		upgrader: buildUpgrader(opts.AllowedOrigins),
		opts:     opts,
		baseCtx:  ctx,
		stop:     stop,
		rounds:   make(map[string]*round),
		displays: make(map[string]*Display),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// PurgeExpired removes sessions idle for longer than ttl from the store, when the
// store needs that, and forgets the displays of sessions that no longer exist.
func (s *Server) PurgeExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	var purged int64
	if p, ok := s.store.SessionStore.(Purger); ok {
		n, err := p.PurgeExpired(ctx, ttl)
		if err != nil {
			return 0, err
		}
		purged = n
	}

	s.mu.Lock()
	idle := make([]string, 0, len(s.displays))
	for id := range s.displays {
		if _, running := s.rounds[id]; !running {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		exists, err := NewSessionState(s.store, id).Exists(ctx)
		if err != nil {
			return purged, err
		}
		if exists {
			continue
		}
		s.mu.Lock()
		if _, running := s.rounds[id]; !running {
			delete(s.displays, id)
		}
		s.mu.Unlock()
	}
	return purged, nil
}

// Close cancels all background generation runs.
func (s *Server) Close() {
	s.stop()
}

// Router configures all routes.
func (s *Server) Router() *gin.Engine {
	if s.opts.GinMode != "" {
		gin.SetMode(s.opts.GinMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// If AllowedOrigins is set, restrict to that list; otherwise allow all.
	corsConfig := cors.DefaultConfig()
	if len(s.opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = s.opts.AllowedOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(requestIDMiddleware(), s.requestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/questions", s.handleQuestions)

		session := api.Group("/session")
		session.POST("/quiz", s.handleStartQuiz)
		session.GET("", s.handleGetSession)
		session.POST("/answers", s.handleAnswer)
		session.DELETE("", s.handleExitSession)
		session.GET("/watch", s.handleWatchSession)
	}

	return router
}

// requestIDMiddleware generates a unique request ID for every request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(contextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("request_id", c.GetString(contextKeyRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty slice permits all origins.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error   string       `json:"error"`
	Code    ErrCode      `json:"code"`
	Details []FieldError `json:"details,omitempty"`
}

func (s *Server) respondError(c *gin.Context, err error) {
	code, status := ErrorCode(err)
	body := errorBody{Error: err.Error(), Code: code}

	var reqErr *RequestValidationError
	if errors.As(err, &reqErr) {
		body.Error = "Invalid request parameters"
		body.Details = reqErr.Details
	}

	if status >= 500 {
		s.log.Error().Err(err).Str("request_id", c.GetString(contextKeyRequestID)).Str("code", string(code)).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// sessionID returns the caller's session ID, issuing one when create is set.
func (s *Server) sessionID(c *gin.Context, create bool) (string, bool) {
	sess, err := s.cookies.Get(c.Request, sessionCookieName)
	if err != nil {
		// Undecodable cookie, e.g. after a secret rotation: start over.
		s.log.Debug().Err(err).Msg("Discarding invalid session cookie")
	}
	if id, ok := sess.Values[sessionIDKey].(string); ok && id != "" {
		return id, true
	}
	if !create {
		return "", false
	}

	id := uuid.NewString()
	sess.Values[sessionIDKey] = id
	if err := sess.Save(c.Request, c.Writer); err != nil {
		s.log.Error().Err(err).Msg("Failed to save session cookie")
		return "", false
	}
	return id, true
}
