package triviastream

import (
	"context"
	"errors"
	"testing"
)

func TestQuestionSet(t *testing.T) {
	qs := NewQuestionSet()
	q1, q2 := testQuestion(1), testQuestion(2)

	if added := qs.Add(q1, q2, q1); len(added) != 2 {
		t.Fatalf("expected 2 added, got %d", len(added))
	}

	// Same text, different answers: still a duplicate.
	dup := q2
	dup.CorrectAnswer = "Something else"
	if added := qs.Add(dup); len(added) != 0 {
		t.Errorf("expected duplicate to be ignored, got %v", added)
	}

	qs.Seen("already asked")
	if !qs.Contains("already asked") {
		t.Error("expected seen text to be contained")
	}
	if qs.Len() != 2 {
		t.Errorf("Seen must not add to the list, Len() = %d", qs.Len())
	}

	snap := qs.Snapshot()
	qs.Add(testQuestion(3))
	if len(snap) != 2 {
		t.Errorf("snapshot changed after Add: %d", len(snap))
	}
}

type recorder struct {
	progress []Progress
	errs     []error
}

func (r *recorder) onProgress(p Progress) { r.progress = append(r.progress, p) }
func (r *recorder) onError(err error)     { r.errs = append(r.errs, err) }

func (r *recorder) last() Progress {
	return r.progress[len(r.progress)-1]
}

func TestProgressTracker(t *testing.T) {
	q := testQuestions(3)

	tests := []struct {
		name         string
		events       []StreamEvent
		finish       bool
		wantReports  int
		wantCount    int
		wantComplete bool
		wantErr      bool
	}{
		{
			name: "full run",
			events: []StreamEvent{
				{Questions: q[:1], Total: 3},
				{Questions: q[1:2], Total: 3},
				{Questions: q[2:], Done: true, Total: 3},
			},
			wantReports:  3,
			wantCount:    3,
			wantComplete: true,
		},
		{
			name: "duplicates do not report",
			events: []StreamEvent{
				{Questions: q[:1], Total: 3},
				{Questions: q[:1], Total: 3},
				{Questions: q[1:2], Done: true, Total: 3},
			},
			wantReports:  2,
			wantCount:    2,
			wantComplete: true,
		},
		{
			name: "error after questions is partial success",
			events: []StreamEvent{
				{Questions: q[:2], Total: 3},
				{Error: "connection reset", Total: 3},
			},
			wantReports:  2,
			wantCount:    2,
			wantComplete: true,
		},
		{
			name:    "error before questions",
			events:  []StreamEvent{{Error: "boom", Total: 3}},
			wantErr: true,
		},
		{
			name:    "done without questions",
			events:  []StreamEvent{{Done: true}},
			wantErr: true,
		},
		{
			name:         "end of input after questions",
			events:       []StreamEvent{{Questions: q[:1], Total: 3}},
			finish:       true,
			wantReports:  2,
			wantCount:    1,
			wantComplete: true,
		},
		{
			name: "events after done are ignored",
			events: []StreamEvent{
				{Questions: q[:1], Done: true, Total: 3},
				{Questions: q[1:2], Total: 3},
			},
			wantReports:  1,
			wantCount:    1,
			wantComplete: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			tracker := NewProgressTracker(3, rec.onProgress, rec.onError)
			for _, ev := range tt.events {
				tracker.Handle(ev)
			}
			if tt.finish {
				tracker.Finish()
			}

			if tt.wantErr {
				if len(rec.errs) != 1 || len(rec.progress) != 0 {
					t.Fatalf("expected exactly one error and no progress, got %d errors, %d reports", len(rec.errs), len(rec.progress))
				}
				return
			}
			if len(rec.errs) != 0 {
				t.Fatalf("unexpected error callback: %v", rec.errs)
			}
			if len(rec.progress) != tt.wantReports {
				t.Fatalf("reports = %d, want %d", len(rec.progress), tt.wantReports)
			}
			last := rec.last()
			if last.Current != tt.wantCount || len(last.Questions) != tt.wantCount {
				t.Errorf("last report has %d questions, want %d", last.Current, tt.wantCount)
			}
			if last.IsComplete != tt.wantComplete {
				t.Errorf("IsComplete = %v, want %v", last.IsComplete, tt.wantComplete)
			}
			for i, p := range rec.progress[:len(rec.progress)-1] {
				if p.IsComplete {
					t.Errorf("report %d is complete before the end", i)
				}
			}
		})
	}
}

func TestProgressTrackerListOnlyGrows(t *testing.T) {
	rec := &recorder{}
	tracker := NewProgressTracker(3, rec.onProgress, rec.onError)
	q := testQuestions(3)
	tracker.Handle(StreamEvent{Questions: q[:2], Total: 3})
	tracker.Handle(StreamEvent{Questions: []Question{q[1], q[2]}, Total: 3})
	tracker.Finish()

	prev := 0
	for _, p := range rec.progress {
		if len(p.Questions) < prev {
			t.Fatalf("list shrank from %d to %d", prev, len(p.Questions))
		}
		prev = len(p.Questions)
	}
	if got := questionTexts(rec.last().Questions); got[0] != q[0].Question || got[2] != q[2].Question {
		t.Errorf("unexpected order %q", got)
	}
}

func TestTrackEvents(t *testing.T) {
	t.Run("closed without terminal event", func(t *testing.T) {
		events := make(chan StreamEvent)
		close(events)
		rec := &recorder{}
		TrackEvents(context.Background(), events, 3, rec.onProgress, rec.onError)
		if len(rec.errs) != 1 {
			t.Fatalf("expected one error, got %d", len(rec.errs))
		}
	})

	t.Run("cancelled context is silent", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		rec := &recorder{}
		TrackEvents(ctx, make(chan StreamEvent), 3, rec.onProgress, rec.onError)
		if len(rec.errs) != 0 || len(rec.progress) != 0 {
			t.Errorf("expected no callbacks, got %d errors, %d reports", len(rec.errs), len(rec.progress))
		}
	})

	t.Run("typed error passes through", func(t *testing.T) {
		events := make(chan StreamEvent, 1)
		events <- StreamEvent{Error: ErrFirstByteTimeout.Error(), Err: ErrFirstByteTimeout}
		close(events)
		rec := &recorder{}
		TrackEvents(context.Background(), events, 3, rec.onProgress, rec.onError)
		if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrFirstByteTimeout) {
			t.Errorf("expected ErrFirstByteTimeout, got %v", rec.errs)
		}
	})
}
