package triviastream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStreamClientStream(t *testing.T) {
	want := testQuestions(3)
	text := questionArrayText(t, want)
	provider := &fakeProvider{chunks: splitEvery(text, len(text)/5+1)}
	if len(provider.chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(provider.chunks))
	}
	srv, _ := newTestAPI(t, provider, apiOptions{apiKey: "k"})
	client := NewStreamClient(srv.URL, nil, zerolog.Nop())

	rec := &recorder{}
	client.Stream(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3,
	}, rec.onProgress, rec.onError)

	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if len(rec.progress) == 0 {
		t.Fatal("no progress reported")
	}
	last := rec.last()
	if !last.IsComplete || last.Current != 3 || last.Total != 3 {
		t.Errorf("last progress = %+v", last)
	}
	if got := strings.Join(questionTexts(last.Questions), "|"); got != strings.Join(questionTexts(want), "|") {
		t.Errorf("questions = %s", got)
	}
	prev := 0
	for _, p := range rec.progress {
		if p.Current < prev {
			t.Errorf("progress went backwards: %d after %d", p.Current, prev)
		}
		prev = p.Current
	}
}

func TestStreamClientPartialFailure(t *testing.T) {
	text := questionArrayText(t, testQuestions(3))
	q2 := mustJSON(t, testQuestion(2))
	cut := strings.Index(text, q2) + len(q2)
	provider := &fakeProvider{chunks: []string{text[:cut], text[cut:]}, abortAfter: 1}
	srv, _ := newTestAPI(t, provider, apiOptions{apiKey: "k"})
	client := NewStreamClient(srv.URL, nil, zerolog.Nop())

	rec := &recorder{}
	client.Stream(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3,
	}, rec.onProgress, rec.onError)

	if len(rec.errs) != 0 {
		t.Fatalf("onError must not be called after questions arrived: %v", rec.errs)
	}
	last := rec.last()
	if !last.IsComplete || last.Current != 2 {
		t.Errorf("expected partial completion with 2 questions, got %+v", last)
	}
}

func TestStreamClientNoQuestions(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"I would rather not."}}
	srv, _ := newTestAPI(t, provider, apiOptions{apiKey: "k"})
	client := NewStreamClient(srv.URL, nil, zerolog.Nop())

	rec := &recorder{}
	client.Stream(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3,
	}, rec.onProgress, rec.onError)

	if len(rec.progress) != 0 {
		t.Errorf("unexpected progress: %+v", rec.progress)
	}
	if len(rec.errs) != 1 {
		t.Fatalf("expected one error, got %v", rec.errs)
	}
	var apiErr *APIError
	if !errors.As(rec.errs[0], &apiErr) {
		t.Fatalf("expected *APIError, got %v", rec.errs[0])
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != ErrNoQuestionsCode {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestStreamClientValidationError(t *testing.T) {
	srv, _ := newTestAPI(t, &fakeProvider{}, apiOptions{apiKey: "k"})
	client := NewStreamClient(srv.URL, nil, zerolog.Nop())

	_, err := client.Fetch(context.Background(), GenerationRequest{Topic: "", Difficulty: DifficultyRookie, QuestionCount: 3})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != ErrValidation || len(apiErr.Details) == 0 {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestStreamClientSkipsUnparseableLines(t *testing.T) {
	q := testQuestions(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, mustJSON(t, StreamEvent{Questions: q[:1], Total: 2}))
		fmt.Fprintln(w, "this is not json")
		fmt.Fprintln(w)
		fmt.Fprintln(w, mustJSON(t, StreamEvent{Questions: q[1:], Done: true, Total: 2}))
	}))
	defer srv.Close()

	rec := &recorder{}
	NewStreamClient(srv.URL, nil, zerolog.Nop()).Stream(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 2,
	}, rec.onProgress, rec.onError)

	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if last := rec.last(); !last.IsComplete || last.Current != 2 {
		t.Errorf("last progress = %+v", last)
	}
}

func TestStreamClientEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, mustJSON(t, StreamEvent{Questions: testQuestions(1), Total: 3}))
	}))
	defer srv.Close()

	rec := &recorder{}
	NewStreamClient(srv.URL, nil, zerolog.Nop()).Stream(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3,
	}, rec.onProgress, rec.onError)

	if len(rec.errs) != 0 {
		t.Fatalf("unexpected errors: %v", rec.errs)
	}
	if last := rec.last(); !last.IsComplete || last.Current != 1 || last.Total != 3 {
		t.Errorf("last progress = %+v", last)
	}
}

func TestStreamClientCancelIsSilent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	NewStreamClient(srv.URL, nil, zerolog.Nop()).Generate(ctx, GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3,
	}, rec.onProgress, rec.onError)

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(100 * time.Millisecond)

	if len(rec.errs) != 0 || len(rec.progress) != 0 {
		t.Errorf("expected no callbacks after cancel, got %d errors, %d reports", len(rec.errs), len(rec.progress))
	}
}

func TestStreamClientFetch(t *testing.T) {
	provider := &fakeProvider{content: questionArrayText(t, testQuestions(4))}
	srv, _ := newTestAPI(t, provider, apiOptions{apiKey: "k"})

	questions, err := NewStreamClient(srv.URL+"/", nil, zerolog.Nop()).Fetch(context.Background(), GenerationRequest{
		Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 4,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(questions) != 4 {
		t.Errorf("got %d questions, want 4", len(questions))
	}
}
