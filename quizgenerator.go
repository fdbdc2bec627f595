package triviastream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// QuestionSource produces questions for generation requests.
type QuestionSource interface {
	Stream(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error)
	Generate(ctx context.Context, req GenerationRequest) ([]Question, error)
}

// QuizGenerator routes generation requests through the run pool to the question maker.
type QuizGenerator struct {
	maker *QuestionMaker
	pool  *RunPool
	log   zerolog.Logger
}

// NewQuizGenerator creates a new quiz generator. pool may be nil.
func NewQuizGenerator(maker *QuestionMaker, pool *RunPool, log zerolog.Logger) *QuizGenerator {
	return &QuizGenerator{
		maker: maker,
		pool:  pool,
		log:   log.With().Str("component", "quiz_generator").Logger(),
	}
}

// Stream returns the events of a streaming run.
func (qg *QuizGenerator) Stream(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error) {
	req.Stream = true
	qg.log.Debug().Str("topic", req.Topic).Int("question_count", req.QuestionCount).Msg("Starting streaming run")
	return qg.pool.Subscribe(ctx, req, qg.maker.StreamQuestions)
}

// StreamFresh starts a streaming run of its own, never joining a shared or
// recently completed one.
func (qg *QuizGenerator) StreamFresh(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error) {
	req.Stream = true
	qg.log.Debug().Str("topic", req.Topic).Int("question_count", req.QuestionCount).Msg("Starting unshared run")
	return qg.maker.StreamQuestions(ctx, req)
}

// Generate returns all questions of a non-streaming run at once.
func (qg *QuizGenerator) Generate(ctx context.Context, req GenerationRequest) ([]Question, error) {
	req.Stream = false
	qg.log.Debug().Str("topic", req.Topic).Int("question_count", req.QuestionCount).Msg("Starting blocking run")
	events, err := qg.pool.Subscribe(ctx, req, qg.startBlocking)
	if err != nil {
		return nil, err
	}
	questions, err := CollectEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	return questions, nil
}

// startBlocking adapts the single completion call to an event stream so that
// blocking runs can be shared through the pool like streaming ones.
func (qg *QuizGenerator) startBlocking(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error) {
	if err := qg.maker.checkConfig(); err != nil {
		return nil, err
	}
	out := make(chan StreamEvent, 1)
	go func() {
		defer close(out)
		questions, err := qg.maker.GenerateQuestions(ctx, req)
		if err != nil {
			out <- StreamEvent{Total: req.Requested(), Error: err.Error(), Err: err}
			return
		}
		out <- StreamEvent{Questions: questions, Done: true, Total: req.Requested()}
	}()
	return out, nil
}

// CollectEvents drains a run and returns its questions in order. An error event
// fails the whole collection; so does the channel closing before a terminal event.
func CollectEvents(ctx context.Context, events <-chan StreamEvent) ([]Question, error) {
	questions := []Question{}
	for ev := range events {
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Error != "" {
			return nil, errors.New(ev.Error)
		}
		questions = append(questions, ev.Questions...)
		if ev.Done {
			return questions, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("generation run ended without completing")
}
