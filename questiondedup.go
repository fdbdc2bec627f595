package triviastream

import (
	"context"
	"errors"
	"sync"
)

// QuestionSet is an ordered collection of questions, unique by exact question text.
// Insertion order is arrival order and nothing is ever removed.
type QuestionSet struct {
	mu        sync.RWMutex
	questions []Question
	seen      map[string]struct{}
}

// NewQuestionSet creates an empty set
func NewQuestionSet() *QuestionSet {
	return &QuestionSet{seen: make(map[string]struct{})}
}

// Add appends the questions whose text has not been seen yet and returns them.
func (qs *QuestionSet) Add(questions ...Question) []Question {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var added []Question
	for _, q := range questions {
		if _, dup := qs.seen[q.Question]; dup {
			continue
		}
		qs.seen[q.Question] = struct{}{}
		qs.questions = append(qs.questions, q)
		added = append(added, q)
	}
	return added
}

// Seen marks question text as already delivered without adding it to the list.
func (qs *QuestionSet) Seen(text string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.seen[text] = struct{}{}
}

// Contains reports whether the text has been seen
func (qs *QuestionSet) Contains(text string) bool {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	_, ok := qs.seen[text]
	return ok
}

// Len returns the number of questions in the list.
func (qs *QuestionSet) Len() int {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return len(qs.questions)
}

// Snapshot returns a copy of the list that later additions do not affect.
func (qs *QuestionSet) Snapshot() []Question {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	out := make([]Question, len(qs.questions))
	copy(out, qs.questions)
	return out
}

// ErrStreamEmpty is reported when a run ends without delivering any question.
var ErrStreamEmpty = errors.New("question stream ended without any questions")

// ProgressTracker turns a sequence of stream events into progress callbacks over a
// deduplicated, append-only question list. Once it reports completion or an error
// it ignores everything else.
type ProgressTracker struct {
	set        *QuestionSet
	total      int
	onProgress func(Progress)
	onError    func(error)
	finished   bool
}

// NewProgressTracker creates a tracker for a run of total requested questions.
func NewProgressTracker(total int, onProgress func(Progress), onError func(error)) *ProgressTracker {
	return &ProgressTracker{
		set:        NewQuestionSet(),
		total:      total,
		onProgress: onProgress,
		onError:    onError,
	}
}

// Handle consumes one event and reports whether the run is over.
func (t *ProgressTracker) Handle(ev StreamEvent) bool {
	if t.finished {
		return true
	}
	if ev.Total > 0 {
		t.total = ev.Total
	}

	if ev.Error != "" || ev.Err != nil {
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Error)
		}
		t.Fail(err)
		return true
	}

	added := t.set.Add(ev.Questions...)
	if ev.Done {
		t.Finish()
		return true
	}
	if len(added) > 0 {
		t.report(false)
	}
	return false
}

// Fail ends the run. With at least one question it counts as a partial success.
func (t *ProgressTracker) Fail(err error) {
	if t.finished {
		return
	}
	t.finished = true
	if t.set.Len() > 0 {
		t.report(true)
		return
	}
	if t.onError != nil {
		t.onError(err)
	}
}

// Finish ends the run at the end of input.
func (t *ProgressTracker) Finish() {
	if t.finished {
		return
	}
	if t.set.Len() == 0 {
		t.Fail(ErrStreamEmpty)
		return
	}
	t.finished = true
	t.report(true)
}

// Questions returns the accumulated list
func (t *ProgressTracker) Questions() []Question {
	return t.set.Snapshot()
}

func (t *ProgressTracker) report(complete bool) {
	if t.onProgress == nil {
		return
	}
	questions := t.set.Snapshot()
	t.onProgress(Progress{
		Questions:  questions,
		IsComplete: complete,
		Current:    len(questions),
		Total:      t.total,
	})
}

// TrackEvents feeds a run's events into a ProgressTracker until the run ends.
// A channel closed without a terminal event counts as a failed stream. If ctx is
// cancelled first, TrackEvents returns without calling either callback.
func TrackEvents(ctx context.Context, events <-chan StreamEvent, total int, onProgress func(Progress), onError func(error)) {
	tracker := NewProgressTracker(total, onProgress, onError)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					tracker.Fail(errors.New("generation stream closed unexpectedly"))
				}
				return
			}
			if tracker.Handle(ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
