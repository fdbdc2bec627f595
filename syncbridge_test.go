package triviastream

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func newTestState(t *testing.T, total int) (*ObservedStore, *SessionState) {
	t.Helper()
	store := NewObservedStore(NewMemoryStore())
	state := NewSessionState(store, "s1")
	if err := state.Reset(context.Background(), "Planets", total); err != nil {
		t.Fatal(err)
	}
	return store, state
}

func TestLoaderNavigatesOnce(t *testing.T) {
	_, state := newTestState(t, 3)
	var navigations atomic.Int32
	loader := NewLoader(context.Background(), state, 10*time.Millisecond, func() { navigations.Add(1) }, zerolog.Nop())

	q := testQuestions(3)
	loader.OnProgress(Progress{Questions: q[:1], Current: 1, Total: 3})
	loader.OnProgress(Progress{Questions: q[:2], Current: 2, Total: 3})

	select {
	case <-loader.Ready():
	case <-time.After(time.Second):
		t.Fatal("loader never became ready")
	}
	loader.OnProgress(Progress{Questions: q, IsComplete: true, Current: 3, Total: 3})

	select {
	case <-loader.Done():
	case <-time.After(time.Second):
		t.Fatal("loader never finished")
	}
	if err := loader.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := navigations.Load(); n != 1 {
		t.Errorf("navigated %d times, want 1", n)
	}

	questions, _ := state.Questions(context.Background())
	if len(questions) != 3 {
		t.Errorf("persisted %d questions, want 3", len(questions))
	}
	if complete, _ := state.Complete(context.Background()); !complete {
		t.Error("expected quiz_complete to be true")
	}
}

func TestLoaderError(t *testing.T) {
	_, state := newTestState(t, 3)
	loader := NewLoader(context.Background(), state, time.Millisecond, nil, zerolog.Nop())
	loader.OnError(ErrNoQuestions)

	<-loader.Done()
	if !errors.Is(loader.Err(), ErrNoQuestions) {
		t.Errorf("Err() = %v", loader.Err())
	}
	select {
	case <-loader.Ready():
		t.Error("loader must not navigate without questions")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoaderStopsWritingAfterCancel(t *testing.T) {
	_, state := newTestState(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	loader := NewLoader(ctx, state, time.Millisecond, nil, zerolog.Nop())
	cancel()

	loader.OnProgress(Progress{Questions: testQuestions(1), Current: 1, Total: 3})
	if questions, _ := state.Questions(context.Background()); len(questions) != 0 {
		t.Errorf("cancelled loader wrote %d questions", len(questions))
	}
}

func TestDisplaySyncShufflesOnce(t *testing.T) {
	ctx := context.Background()
	_, state := newTestState(t, 3)
	calls := 0
	display := NewDisplay(state, func(s []string) { calls++; reverse(s) })

	state.SaveProgress(ctx, testQuestions(1), false, 3)
	first, err := display.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Questions) != 1 {
		t.Fatalf("got %d questions", len(first.Questions))
	}
	q := testQuestion(1)
	want := []string{q.IncorrectAnswers[2], q.IncorrectAnswers[1], q.IncorrectAnswers[0], q.CorrectAnswer}
	if !reflect.DeepEqual(first.Questions[0].ShuffledAnswers, want) {
		t.Errorf("ShuffledAnswers = %v, want %v", first.Questions[0].ShuffledAnswers, want)
	}

	state.SaveProgress(ctx, testQuestions(3), true, 3)
	second, err := display.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("shuffle called %d times, want 3", calls)
	}
	if !reflect.DeepEqual(second.Questions[0], first.Questions[0]) {
		t.Error("first question changed after a later sync")
	}

	// A fresh display over the same session reuses the persisted order.
	again, err := NewDisplay(state, func(s []string) { t.Error("unexpected reshuffle") }).Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(again.Questions, second.Questions) {
		t.Error("persisted shuffle not reused")
	}
	if !again.Complete || again.TotalRequested != 3 || again.Topic != "Planets" {
		t.Errorf("unexpected state %+v", again)
	}
}

func TestDisplaySyncWithoutQuiz(t *testing.T) {
	display := NewDisplay(NewSessionState(NewMemoryStore(), "nobody"), nil)
	if _, err := display.Sync(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Sync() error = %v, want ErrNoSession", err)
	}
}

func TestDisplayAnswer(t *testing.T) {
	ctx := context.Background()
	_, state := newTestState(t, 2)
	state.SaveProgress(ctx, testQuestions(2), true, 2)
	display := NewDisplay(state, nil)
	if _, err := display.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	q := testQuestions(2)

	tests := []struct {
		name        string
		index       int
		selected    string
		wantCorrect bool
		wantErr     bool
	}{
		{name: "out of range", index: 5, selected: q[0].CorrectAnswer, wantErr: true},
		{name: "negative", index: -1, selected: q[0].CorrectAnswer, wantErr: true},
		{name: "not an option", index: 0, selected: "Mars", wantErr: true},
		{name: "correct", index: 0, selected: q[0].CorrectAnswer, wantCorrect: true},
		{name: "second answer ignored", index: 0, selected: q[0].IncorrectAnswers[0], wantCorrect: true},
		{name: "incorrect", index: 1, selected: q[1].IncorrectAnswers[1], wantCorrect: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := display.Answer(ctx, tt.index, tt.selected)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Answer() error = %v", err)
			}
			if got.IsCorrect != tt.wantCorrect || !got.ShowExplanation {
				t.Errorf("Answer() = %+v", got)
			}
		})
	}

	st, err := display.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Answers) != 2 {
		t.Fatalf("recorded %d answers, want 2", len(st.Answers))
	}
	if st.Summary == nil {
		t.Fatal("expected a summary once every question is answered")
	}
	if *st.Summary != (Summary{Score: 1, TotalQuestions: 2, Percentage: 50}) {
		t.Errorf("Summary = %+v", *st.Summary)
	}
}

func TestDisplayWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store, state := newTestState(t, 2)
	display := NewDisplay(state, nil)

	updates := make(chan PersistedQuizState, 10)
	done := make(chan error, 1)
	go func() {
		done <- display.Watch(ctx, store, func(st PersistedQuizState) error {
			updates <- st
			return nil
		})
	}()

	next := func() PersistedQuizState {
		t.Helper()
		select {
		case st := <-updates:
			return st
		case <-time.After(2 * time.Second):
			t.Fatal("no update")
			return PersistedQuizState{}
		}
	}

	if st := next(); len(st.Questions) != 0 {
		t.Fatalf("initial state has %d questions", len(st.Questions))
	}
	state.SaveProgress(context.Background(), testQuestions(1), false, 2)
	if st := next(); len(st.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(st.Questions))
	}
	state.SaveProgress(context.Background(), testQuestions(2), true, 2)
	if st := next(); len(st.Questions) != 2 || !st.Complete {
		t.Fatalf("expected 2 complete questions, got %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name      string
		questions int
		correct   int
		want      int
	}{
		{name: "none", questions: 0, correct: 0, want: 0},
		{name: "all", questions: 4, correct: 4, want: 100},
		{name: "two thirds rounds up", questions: 3, correct: 2, want: 67},
		{name: "one third rounds down", questions: 3, correct: 1, want: 33},
		{name: "one eighth", questions: 8, correct: 1, want: 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := PersistedQuizState{Questions: make([]ShuffledQuestion, tt.questions)}
			for i := 0; i < tt.questions; i++ {
				st.Answers = append(st.Answers, AnsweredQuestion{QuestionIndex: i, IsCorrect: i < tt.correct})
			}
			got := Summarize(st)
			if got.Percentage != tt.want || got.Score != tt.correct || got.TotalQuestions != tt.questions {
				t.Errorf("Summarize() = %+v, want %d%%", got, tt.want)
			}
		})
	}
}
