package triviastream

// Question is a single multiple choice trivia question as produced by the LLM.
// Identity for deduplication is the exact Question text.
type Question struct {
	Question         string   `json:"question"`
	CorrectAnswer    string   `json:"correctAnswer"`
	IncorrectAnswers []string `json:"incorrectAnswers"`
	Explanation      string   `json:"explanation"`
}

// Difficulty is the requested difficulty level of a generation run
type Difficulty string

const (
	DifficultyRookie   Difficulty = "rookie"
	DifficultySeasoned Difficulty = "seasoned"
	DifficultyElite    Difficulty = "elite"

	// Legacy levels accepted for older clients.
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Level returns the wording used in prompts for the difficulty.
func (d Difficulty) Level() string {
	switch d {
	case DifficultyRookie, DifficultyEasy:
		return "beginner"
	case DifficultyElite, DifficultyHard:
		return "advanced"
	default:
		return "intermediate"
	}
}

const (
	MinQuestions = 1
	MaxQuestions = 10
)

// GenerationRequest defines one generation run. It is never modified once issued.
type GenerationRequest struct {
	Topic           string     `json:"topic" validate:"required,min=1,max=100"`
	Difficulty      Difficulty `json:"difficulty" validate:"required,oneof=rookie seasoned elite easy medium hard"`
	QuestionCount   int        `json:"questionCount" validate:"min=1,max=10"`
	Stream          bool       `json:"stream,omitempty"`
	Remaining       bool       `json:"remaining,omitempty"`
	InitialQuestion *Question  `json:"initialQuestion,omitempty"`
}

// Requested returns how many questions the run should produce. Remaining
// requests ask for everything but the already delivered initial question.
func (r GenerationRequest) Requested() int {
	if r.Remaining {
		if r.QuestionCount <= 1 {
			return 0
		}
		return r.QuestionCount - 1
	}
	return r.QuestionCount
}

// StreamEvent is one record of a generation run. Done is terminal; so is Error.
type StreamEvent struct {
	Questions []Question `json:"questions,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Total     int        `json:"total"`
	Error     string     `json:"error,omitempty"`

	// Err is the typed cause behind Error. It never crosses the wire.
	Err error `json:"-"`
}

// Progress is reported to consumers every time the accumulated question list changes.
type Progress struct {
	Questions  []Question `json:"questions"`
	IsComplete bool       `json:"isComplete"`
	Current    int        `json:"current"`
	Total      int        `json:"total"`
}

// ShuffledQuestion is a question with its display order of answers fixed.
type ShuffledQuestion struct {
	Question
	ShuffledAnswers []string `json:"shuffledAnswers"`
}

// AnsweredQuestion records the user's answer to the question at QuestionIndex.
type AnsweredQuestion struct {
	QuestionIndex   int    `json:"questionIndex"`
	SelectedAnswer  string `json:"selectedAnswer"`
	IsCorrect       bool   `json:"isCorrect"`
	ShowExplanation bool   `json:"showExplanation"`
}

// Summary is the scored outcome of a finished quiz
type Summary struct {
	Score          int `json:"score"`
	TotalQuestions int `json:"totalQuestions"`
	Percentage     int `json:"percentage"`
}

// PersistedQuizState is the session scoped view shared by the loading and display pages.
type PersistedQuizState struct {
	Questions      []ShuffledQuestion `json:"questions"`
	Answers        []AnsweredQuestion `json:"answers"`
	Complete       bool               `json:"complete"`
	Topic          string             `json:"topic"`
	TotalRequested int                `json:"totalRequested"`
	Summary        *Summary           `json:"summary,omitempty"`
}
