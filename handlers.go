package triviastream

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bindRequest decodes and validates a generation request body.
func bindRequest(c *gin.Context) (GenerationRequest, error) {
	var req GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, &RequestValidationError{Details: []FieldError{{Field: "body", Message: err.Error()}}}
	}
	if err := ValidateRequest(req); err != nil {
		return req, err
	}
	return req, nil
}

// handleQuestions serves POST /api/questions.
func (s *Server) handleQuestions(c *gin.Context) {
	req, err := bindRequest(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if req.Stream {
		s.streamQuestions(c, req)
		return
	}

	questions, err := s.source.Generate(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

// streamQuestions writes the run as ND-JSON. The status line is held back until
// the first event so that a run failing before any output still gets a proper
// error status; later failures become a final error line.
func (s *Server) streamQuestions(c *gin.Context, req GenerationRequest) {
	ctx := c.Request.Context()

	events, err := s.source.Stream(ctx, req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	var first StreamEvent
	select {
	case ev, ok := <-events:
		if !ok {
			if ctx.Err() == nil {
				s.respondError(c, errors.New("generation stream closed unexpectedly"))
			}
			return
		}
		first = ev
	case <-ctx.Done():
		return
	}
	if first.Error != "" || first.Err != nil {
		s.respondError(c, eventError(first))
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if !s.writeEvent(c, first) || first.Done {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.writeEvent(c, StreamEvent{Total: req.Requested(), Error: "generation stream closed unexpectedly"})
				}
				return
			}
			if !s.writeEvent(c, ev) || ev.Done || ev.Error != "" || ev.Err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeEvent writes one ND-JSON line and flushes it. It reports false once the
// client is gone.
func (s *Server) writeEvent(c *gin.Context, ev StreamEvent) bool {
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode stream event")
		return false
	}
	line = append(line, '\n')
	if _, err := c.Writer.Write(line); err != nil {
		s.log.Debug().Err(err).Msg("Client went away mid-stream")
		return false
	}
	c.Writer.Flush()
	return true
}

func eventError(ev StreamEvent) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New(ev.Error)
}
