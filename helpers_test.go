package triviastream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testQuestion(i int) Question {
	return Question{
		Question:         fmt.Sprintf("Which planet is number %d from the sun?", i),
		CorrectAnswer:    fmt.Sprintf("Planet %d", i),
		IncorrectAnswers: []string{"Pluto", "The Moon", "Halley's Comet"},
		Explanation:      fmt.Sprintf("Planet %d is in position %d.", i, i),
	}
}

func testQuestions(n int) []Question {
	out := make([]Question, n)
	for i := range out {
		out[i] = testQuestion(i + 1)
	}
	return out
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

// splitEvery cuts s into pieces of at most n bytes.
func splitEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// fakeProvider is an OpenAI compatible chat completions endpoint.
type fakeProvider struct {
	// chunks are streamed as SSE deltas, or as plain text when plain is set.
	chunks []string
	plain  bool
	// abortAfter drops the connection after that many chunks when positive.
	abortAfter int
	// stall delays the response headers.
	stall time.Duration
	// status and body replace the response when status is set.
	status int
	body   string
	// content is the message of a non-streaming completion.
	content string

	calls   atomic.Int32
	lastReq atomic.Pointer[http.Request]
}

func (f *fakeProvider) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeProvider) serve(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	f.lastReq.Store(r)

	if f.stall > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(f.stall):
		}
	}

	if f.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		fmt.Fprint(w, f.body)
		return
	}

	var body struct {
		Stream bool `json:"stream"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if !body.Stream {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cmpl-1","object":"chat.completion","created":1,"model":"test-model","choices":[{"index":0,"message":{"role":"assistant","content":%s},"finish_reason":"stop"}]}`,
			jsonString(f.content))
		return
	}

	flusher := w.(http.Flusher)
	if f.plain {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for i, chunk := range f.chunks {
		if f.abortAfter > 0 && i == f.abortAfter {
			panic(http.ErrAbortHandler)
		}
		if f.plain {
			fmt.Fprint(w, chunk)
		} else {
			fmt.Fprintf(w, "data: {\"id\":\"chunk-%d\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%s}}]}\n\n",
				i, jsonString(chunk))
		}
		flusher.Flush()
	}
	if !f.plain {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func jsonString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// questionArrayText renders questions the way a model answers the prompt.
func questionArrayText(t *testing.T, questions []Question) string {
	t.Helper()
	parts := make([]string, len(questions))
	for i, q := range questions {
		parts[i] = mustJSON(t, q)
	}
	return "Here are your questions:\n[\n" + strings.Join(parts, ",\n") + "\n]"
}

func newTestMaker(url, transport string, firstByte time.Duration) *QuestionMaker {
	return NewQuestionMaker(ProviderConfig{
		BaseURL:          url,
		APIKey:           "test-key",
		Model:            "test-model",
		Transport:        transport,
		FirstByteTimeout: firstByte,
	}, WordLimits{}, nil, zerolog.Nop())
}

func drain(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(out))
			return out
		}
	}
}

func questionTexts(questions []Question) []string {
	out := make([]string, len(questions))
	for i, q := range questions {
		out[i] = q.Question
	}
	return out
}

func readTranscripts(dir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", err
		}
		sb.Write(data)
	}
	return sb.String(), nil
}
