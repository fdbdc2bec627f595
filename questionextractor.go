package triviastream

import (
	"encoding/json"
	"sort"
)

// ExtractQuestions returns every complete, valid question object found in buf, in
// buffer order. buf may end in the middle of an object or a string; incomplete or
// invalid candidates are skipped. The result depends only on buf and limits.
func ExtractQuestions(buf string, limits WordLimits) []Question {
	type match struct {
		start, end int
		q          Question
	}

	var (
		matches  []match
		starts   []int
		inString bool
		escaped  bool
	)

	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			// Strings only matter inside an object; prose around the JSON may quote freely.
			if len(starts) > 0 {
				inString = true
			}
		case '{':
			starts = append(starts, i)
		case '}':
			if len(starts) == 0 {
				continue
			}
			start := starts[len(starts)-1]
			starts = starts[:len(starts)-1]

			var v any
			if err := json.Unmarshal([]byte(buf[start:i+1]), &v); err != nil {
				continue
			}
			q, err := ValidateQuestion(v, limits)
			if err != nil {
				continue
			}
			matches = append(matches, match{start: start, end: i + 1, q: q})
		}
	}

	// Inner objects close before their parents; restore buffer order and drop
	// anything nested inside an accepted question.
	sort.Slice(matches, func(i, j int) bool { return matches[i].start < matches[j].start })
	questions := make([]Question, 0, len(matches))
	lastEnd := -1
	for _, m := range matches {
		if m.start < lastEnd {
			continue
		}
		questions = append(questions, m.q)
		lastEnd = m.end
	}
	return questions
}
