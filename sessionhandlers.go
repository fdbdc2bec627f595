package triviastream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// handleStartQuiz serves POST /api/session/quiz. It starts a background run for
// the caller's session and answers as soon as the first question is persisted.
func (s *Server) handleStartQuiz(c *gin.Context) {
	req, err := bindRequest(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	id, ok := s.sessionID(c, true)
	if !ok {
		s.respondError(c, errInternalSession)
		return
	}

	ctx := c.Request.Context()
	if !s.cancelRound(ctx, id) {
		return
	}
	d := s.display(id)
	if err := d.Reset(ctx, req.Topic, req.QuestionCount); err != nil {
		s.respondError(c, err)
		return
	}
	state := NewSessionState(s.store, id)

	loader := s.startRound(id, state, req)

	select {
	case <-loader.Ready():
	case <-loader.Done():
		// A cancelled round was replaced or exited; report the current state.
		if err := loader.Err(); err != nil && !errors.Is(err, context.Canceled) {
			s.respondError(c, err)
			return
		}
	case <-ctx.Done():
		return
	}

	st, err := d.Sync(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) startRound(id string, state *SessionState, req GenerationRequest) *Loader {
	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &round{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.rounds[id] = r
	s.mu.Unlock()

	loader := NewLoader(ctx, state, s.opts.SettleDelay, nil, s.log)
	go func() {
		defer func() {
			s.mu.Lock()
			if s.rounds[id] == r {
				delete(s.rounds, id)
			}
			s.mu.Unlock()
			loader.finish(ctx.Err())
			cancel()
			close(r.done)
		}()

		stream := s.source.Stream
		if fs, ok := s.source.(freshStreamer); ok {
			stream = fs.StreamFresh
		}
		events, err := stream(ctx, req)
		if err != nil {
			loader.OnError(err)
			return
		}
		TrackEvents(ctx, events, req.Requested(), loader.OnProgress, loader.OnError)
	}()
	return loader
}

// freshStreamer is implemented by sources that can bypass run sharing. A new
// round then never replays the questions of a recent identical round.
type freshStreamer interface {
	StreamFresh(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error)
}

// cancelRound stops the session's running round and waits until it can no
// longer write. It returns false if ctx ends first.
func (s *Server) cancelRound(ctx context.Context, id string) bool {
	s.mu.Lock()
	r, ok := s.rounds[id]
	if ok {
		r.cancel()
		delete(s.rounds, id)
	}
	s.mu.Unlock()
	if !ok {
		return true
	}

	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// display returns the session's Display, shared so that concurrent syncs of one
// session shuffle each question only once.
func (s *Server) display(id string) *Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.displays[id]
	if !ok {
		d = NewDisplay(NewSessionState(s.store, id), s.opts.Shuffle)
		s.displays[id] = d
	}
	return d
}

// handleGetSession serves GET /api/session.
func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := s.sessionID(c, false)
	if !ok {
		s.respondError(c, ErrNoSession)
		return
	}
	st, err := s.display(id).Sync(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type answerRequest struct {
	QuestionIndex  *int   `json:"questionIndex" binding:"required,min=0"`
	SelectedAnswer string `json:"selectedAnswer" binding:"required"`
}

// handleAnswer serves POST /api/session/answers.
func (s *Server) handleAnswer(c *gin.Context) {
	id, ok := s.sessionID(c, false)
	if !ok {
		s.respondError(c, ErrNoSession)
		return
	}
	var body answerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.respondError(c, &RequestValidationError{Details: []FieldError{{Field: "body", Message: err.Error()}}})
		return
	}

	ctx := c.Request.Context()
	d := s.display(id)
	if _, err := d.Sync(ctx); err != nil {
		s.respondError(c, err)
		return
	}
	if _, err := d.Answer(ctx, *body.QuestionIndex, body.SelectedAnswer); err != nil {
		s.respondError(c, err)
		return
	}
	st, err := d.Sync(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleExitSession serves DELETE /api/session.
func (s *Server) handleExitSession(c *gin.Context) {
	id, ok := s.sessionID(c, false)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	ctx := c.Request.Context()
	if !s.cancelRound(ctx, id) {
		return
	}
	if err := s.display(id).Clear(ctx); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleWatchSession serves GET /api/session/watch. The socket receives the full
// state after every change until the client disconnects.
func (s *Server) handleWatchSession(c *gin.Context) {
	id, ok := s.sessionID(c, false)
	if !ok {
		s.respondError(c, ErrNoSession)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	// Reads only detect the close; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.log.Warn().Err(err).Str("session_id", id).Msg("Unexpected close")
				}
				return
			}
		}
	}()

	err = s.display(id).Watch(ctx, s.store, func(st PersistedQuizState) error {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(st)
	})
	if err != nil {
		s.log.Debug().Err(err).Str("session_id", id).Msg("Watch ended")
	}
}
