package triviastream

import (
	"errors"
	"strings"
	"testing"
)

func TestNilLLMLogger(t *testing.T) {
	ll, err := NewLLMLogger("")
	if err != nil || ll != nil {
		t.Fatalf("NewLLMLogger(\"\") = %v, %v", ll, err)
	}
	rt, err := ll.Start("run", GenerationRequest{})
	if err != nil || rt != nil {
		t.Fatalf("Start() on nil logger = %v, %v", rt, err)
	}
	rt.LogLLMRequest("m", "p")
	rt.LogChunk("c")
	rt.LogLLMResponse("r")
	rt.LogQuestionResult("q", "emitted", "")
	if err := rt.Close(0, nil); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestRunTranscript(t *testing.T) {
	dir := t.TempDir()
	ll, err := NewLLMLogger(dir)
	if err != nil {
		t.Fatal(err)
	}
	rt, err := ll.Start("run-1", GenerationRequest{Topic: "Planets", Difficulty: DifficultyRookie, QuestionCount: 3})
	if err != nil {
		t.Fatal(err)
	}
	rt.LogLLMRequest("test-model", "Generate 3 questions")
	rt.LogChunk(`{"question":`)
	rt.LogQuestionResult("Q?", "dropped", "duplicate")
	if err := rt.Close(2, errors.New("stream reset")); err != nil {
		t.Fatal(err)
	}
	// A second Close is a no-op.
	if err := rt.Close(2, nil); err != nil {
		t.Errorf("second Close() = %v", err)
	}

	data, err := readTranscripts(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_id":"run-1"`, `"topic":"Planets"`, `"model":"test-model"`, `"action":"dropped"`, `"error":"stream reset"`, `"emitted":2`} {
		if !strings.Contains(data, want) {
			t.Errorf("transcript missing %s:\n%s", want, data)
		}
	}
}
