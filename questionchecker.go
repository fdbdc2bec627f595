package triviastream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// WordLimits caps the number of words per field. A zero limit disables the check.
type WordLimits struct {
	Question    int
	Answer      int
	Explanation int
}

// StrictWordLimits keeps LLM output short enough for the quiz screens.
var StrictWordLimits = WordLimits{Question: 50, Answer: 10, Explanation: 50}

// Enabled reports whether any limit is set
func (l WordLimits) Enabled() bool {
	return l.Question > 0 || l.Answer > 0 || l.Explanation > 0
}

// ParseQuestion decodes a JSON object and validates it as a question.
func ParseQuestion(data []byte, limits WordLimits) (Question, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Question{}, fmt.Errorf("failed to parse question: %w", err)
	}
	return ValidateQuestion(v, limits)
}

// ValidateQuestion checks an arbitrary decoded JSON value against the question shape:
// four string fields, exactly three incorrect answers, and the optional word limits.
func ValidateQuestion(v any, limits WordLimits) (Question, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return Question{}, &ValidationError{Field: "question", Reason: "is not an object"}
	}

	var q Question
	var err error
	if q.Question, err = stringField(obj, "question"); err != nil {
		return Question{}, err
	}
	if q.CorrectAnswer, err = stringField(obj, "correctAnswer"); err != nil {
		return Question{}, err
	}
	if q.Explanation, err = stringField(obj, "explanation"); err != nil {
		return Question{}, err
	}

	raw, ok := obj["incorrectAnswers"]
	if !ok {
		return Question{}, &ValidationError{Field: "incorrectAnswers", Reason: "is required"}
	}
	list, ok := raw.([]any)
	if !ok {
		return Question{}, &ValidationError{Field: "incorrectAnswers", Reason: "is not an array"}
	}
	if len(list) != 3 {
		return Question{}, &ValidationError{Field: "incorrectAnswers", Reason: fmt.Sprintf("has %d items, want 3", len(list))}
	}
	q.IncorrectAnswers = make([]string, 0, 3)
	for i, item := range list {
		s, ok := item.(string)
		if !ok {
			return Question{}, &ValidationError{Field: fmt.Sprintf("incorrectAnswers[%d]", i), Reason: "is not a string"}
		}
		q.IncorrectAnswers = append(q.IncorrectAnswers, s)
	}

	if err := checkWordLimits(q, limits); err != nil {
		return Question{}, err
	}
	return q, nil
}

// Validate runs ValidateQuestion on an already typed question.
func (q Question) Validate(limits WordLimits) error {
	if len(q.IncorrectAnswers) != 3 {
		return &ValidationError{Field: "incorrectAnswers", Reason: fmt.Sprintf("has %d items, want 3", len(q.IncorrectAnswers))}
	}
	return checkWordLimits(q, limits)
}

func stringField(obj map[string]any, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", &ValidationError{Field: name, Reason: "is required"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Field: name, Reason: "is not a string"}
	}
	return s, nil
}

func checkWordLimits(q Question, limits WordLimits) error {
	if !limits.Enabled() {
		return nil
	}
	if exceeds(q.Question, limits.Question) {
		return &ValidationError{Field: "question", Reason: fmt.Sprintf("exceeds %d words", limits.Question)}
	}
	if exceeds(q.CorrectAnswer, limits.Answer) {
		return &ValidationError{Field: "correctAnswer", Reason: fmt.Sprintf("exceeds %d words", limits.Answer)}
	}
	for i, a := range q.IncorrectAnswers {
		if exceeds(a, limits.Answer) {
			return &ValidationError{Field: fmt.Sprintf("incorrectAnswers[%d]", i), Reason: fmt.Sprintf("exceeds %d words", limits.Answer)}
		}
	}
	if exceeds(q.Explanation, limits.Explanation) {
		return &ValidationError{Field: "explanation", Reason: fmt.Sprintf("exceeds %d words", limits.Explanation)}
	}
	return nil
}

func exceeds(s string, limit int) bool {
	return limit > 0 && len(strings.Fields(s)) > limit
}
