package triviastream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSettleDelay is how long the loader waits after the first persist before navigating.
const DefaultSettleDelay = 100 * time.Millisecond

// Loader persists generation progress for a session and hands over to the display
// view once the first question is stored. Navigation happens at most once per Loader.
type Loader struct {
	ctx      context.Context
	state    *SessionState
	settle   time.Duration
	navigate func()

	navOnce  sync.Once
	doneOnce sync.Once
	ready    chan struct{}
	done     chan struct{}

	mu  sync.Mutex
	err error

	log zerolog.Logger
}

// NewLoader creates a loader writing to state. navigate may be nil; it is called
// once, settle after the first non-empty progress has been persisted. Writes stop
// when ctx is cancelled.
func NewLoader(ctx context.Context, state *SessionState, settle time.Duration, navigate func(), log zerolog.Logger) *Loader {
	return &Loader{
		ctx:      ctx,
		state:    state,
		settle:   settle,
		navigate: navigate,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "sync_bridge").Str("session_id", state.ID()).Logger(),
	}
}

// OnProgress is the progress callback of a generation run.
func (l *Loader) OnProgress(p Progress) {
	if l.ctx.Err() != nil {
		return
	}
	if len(p.Questions) == 0 {
		if p.IsComplete {
			l.finish(nil)
		}
		return
	}

	if err := l.state.SaveProgress(l.ctx, p.Questions, p.IsComplete, p.Total); err != nil {
		l.log.Error().Err(err).Msg("Failed to persist progress")
		l.finish(err)
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	l.log.Debug().Int("current", p.Current).Int("total", p.Total).Bool("complete", p.IsComplete).Msg("Progress persisted")

	l.navOnce.Do(func() {
		time.AfterFunc(l.settle, func() {
			close(l.ready)
			if l.navigate != nil {
				l.navigate()
			}
		})
	})
	if p.IsComplete {
		l.finish(nil)
	}
}

// OnError is the error callback of a generation run.
func (l *Loader) OnError(err error) {
	l.log.Warn().Err(err).Msg("Generation failed")
	l.finish(err)
}

func (l *Loader) finish(err error) {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

// Ready is closed when the loader navigates to the display view.
func (l *Loader) Ready() <-chan struct{} { return l.ready }

// Done is closed when the run completes or fails.
func (l *Loader) Done() <-chan struct{} { return l.done }

// Err returns the failure of the run, if any, once Done is closed.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Notifier delivers change signals for a session.
type Notifier interface {
	Watch(sessionID string) (<-chan struct{}, func())
}

// Display is the question view's side of the bridge. It assigns each question a
// shuffled answer order exactly once and never reorders questions already shown.
type Display struct {
	state   *SessionState
	shuffle func([]string)

	mu sync.Mutex
}

// NewDisplay creates a display for state. shuffle permutes answers in place; nil
// uses math/rand.
func NewDisplay(state *SessionState, shuffle func([]string)) *Display {
	if shuffle == nil {
		shuffle = func(s []string) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	return &Display{state: state, shuffle: shuffle}
}

// Reset discards the session's quiz and starts an empty one for topic.
func (d *Display) Reset(ctx context.Context, topic string, total int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Reset(ctx, topic, total)
}

// Clear removes the session's quiz.
func (d *Display) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.Clear(ctx)
}

// Sync shuffles questions that arrived since the last sync, persists them, and
// returns the full view.
func (d *Display) Sync(ctx context.Context) (PersistedQuizState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exists, err := d.state.Exists(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}
	if !exists {
		return PersistedQuizState{}, ErrNoSession
	}

	questions, err := d.state.Questions(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}
	shuffled, err := d.state.Shuffled(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}

	if len(questions) > len(shuffled) {
		for _, q := range questions[len(shuffled):] {
			answers := make([]string, 0, 1+len(q.IncorrectAnswers))
			answers = append(answers, q.CorrectAnswer)
			answers = append(answers, q.IncorrectAnswers...)
			d.shuffle(answers)
			shuffled = append(shuffled, ShuffledQuestion{Question: q, ShuffledAnswers: answers})
		}
		if err := d.state.SaveShuffled(ctx, shuffled); err != nil {
			return PersistedQuizState{}, err
		}
	}

	return d.load(ctx, shuffled)
}

func (d *Display) load(ctx context.Context, shuffled []ShuffledQuestion) (PersistedQuizState, error) {
	answers, err := d.state.Answers(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}
	complete, err := d.state.Complete(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}
	total, err := d.state.Total(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}
	topic, err := d.state.Topic(ctx)
	if err != nil {
		return PersistedQuizState{}, err
	}

	if shuffled == nil {
		shuffled = []ShuffledQuestion{}
	}
	if answers == nil {
		answers = []AnsweredQuestion{}
	}
	st := PersistedQuizState{
		Questions:      shuffled,
		Answers:        answers,
		Complete:       complete,
		Topic:          topic,
		TotalRequested: total,
	}
	if complete && len(shuffled) > 0 && len(answers) >= len(shuffled) {
		summary := Summarize(st)
		st.Summary = &summary
	}
	return st, nil
}

// Answer records the answer to a displayed question. A question can be answered
// once; later calls return the recorded answer unchanged.
func (d *Display) Answer(ctx context.Context, index int, selected string) (AnsweredQuestion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	shuffled, err := d.state.Shuffled(ctx)
	if err != nil {
		return AnsweredQuestion{}, err
	}
	if index < 0 || index >= len(shuffled) {
		return AnsweredQuestion{}, &ValidationError{Field: "questionIndex", Reason: fmt.Sprintf("%d is out of range", index)}
	}

	answers, err := d.state.Answers(ctx)
	if err != nil {
		return AnsweredQuestion{}, err
	}
	for _, a := range answers {
		if a.QuestionIndex == index {
			return a, nil
		}
	}

	q := shuffled[index]
	valid := false
	for _, a := range q.ShuffledAnswers {
		if a == selected {
			valid = true
			break
		}
	}
	if !valid {
		return AnsweredQuestion{}, &ValidationError{Field: "selectedAnswer", Reason: "is not one of the answers"}
	}

	answer := AnsweredQuestion{
		QuestionIndex:   index,
		SelectedAnswer:  selected,
		IsCorrect:       selected == q.CorrectAnswer,
		ShowExplanation: true,
	}
	if err := d.state.SaveAnswers(ctx, append(answers, answer)); err != nil {
		return AnsweredQuestion{}, err
	}
	return answer, nil
}

// Watch calls fn with the synced view now and after every change that alters it,
// until ctx is cancelled or fn returns an error.
func (d *Display) Watch(ctx context.Context, notifier Notifier, fn func(PersistedQuizState) error) error {
	changes, stop := notifier.Watch(d.state.ID())
	defer stop()

	var last PersistedQuizState
	sent := false
	for {
		st, err := d.Sync(ctx)
		if err != nil && !errors.Is(err, ErrNoSession) {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !sent || !reflect.DeepEqual(st, last) {
			if err := fn(st); err != nil {
				return err
			}
			last, sent = st, true
		}

		select {
		case <-changes:
		case <-ctx.Done():
			return nil
		}
	}
}

// Summarize scores a quiz. Percentage is rounded to the nearest integer.
func Summarize(st PersistedQuizState) Summary {
	score := 0
	for _, a := range st.Answers {
		if a.IsCorrect {
			score++
		}
	}
	total := len(st.Questions)
	percentage := 0
	if total > 0 {
		percentage = int(math.Round(float64(score) / float64(total) * 100))
	}
	return Summary{Score: score, TotalQuestions: total, Percentage: percentage}
}
