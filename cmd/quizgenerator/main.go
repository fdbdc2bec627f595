package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"triviastream"
)

func main() {
	var (
		topic      = flag.String("topic", "", "Quiz topic (required)")
		count      = flag.Int("questions", 5, "Number of questions to generate (1-10)")
		difficulty = flag.String("difficulty", "rookie", "Difficulty level (rookie, seasoned, elite)")
		outputFile = flag.String("output", "", "Output file for questions JSON (default: stdout)")
		apiKey     = flag.String("api-key", "", "OpenRouter API key (or set OPENROUTER_API_KEY env var)")
		serverURL  = flag.String("server", "", "Base URL of a running webserver; generate locally when empty")
		stream     = flag.Bool("stream", true, "Stream questions as they are generated")
		playMode   = flag.Bool("play", false, "Play the quiz interactively")
		strict     = flag.Bool("strict", false, "Enforce word limits on generated questions")
		verbose    = flag.Bool("verbose", false, "Enable verbose debugging output")
	)
	flag.Parse()

	cfg, err := triviastream.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := triviastream.SetupLogger(cfg.Log.Level, "pretty")
	triviastream.SetVerbose(*verbose)

	if *topic == "" {
		logger.Fatal().Msg("Topic is required. Use -topic flag.")
	}
	if *apiKey != "" {
		cfg.LLM.APIKey = *apiKey
	}
	if *strict {
		cfg.LLM.StrictWordLimits = true
	}

	req := triviastream.GenerationRequest{
		Topic:         *topic,
		Difficulty:    triviastream.Difficulty(*difficulty),
		QuestionCount: *count,
		Stream:        *stream,
	}
	if err := triviastream.ValidateRequest(req); err != nil {
		logger.Fatal().Err(err).Msg("Invalid request")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runner generator
	if *serverURL != "" {
		runner = &remoteGenerator{client: triviastream.NewStreamClient(*serverURL, nil, logger)}
	} else {
		transcripts, err := triviastream.NewLLMLogger(cfg.Log.LLMDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to set up LLM transcripts")
		}
		maker := triviastream.NewQuestionMaker(cfg.LLM.Provider(), cfg.LLM.WordLimits(), transcripts, logger)
		runner = &localGenerator{source: triviastream.NewQuizGenerator(maker, nil, logger)}
	}

	if *playMode {
		if err := playQuiz(ctx, runner, req, logger); err != nil {
			logger.Fatal().Err(err).Msg("Quiz failed")
		}
		return
	}

	triviastream.VerboseLog("Starting generation for topic: %s (%d questions, %s)", req.Topic, req.QuestionCount, req.Difficulty)

	var questions []triviastream.Question
	if *stream {
		questions, err = collect(ctx, runner, req)
	} else {
		questions, err = runner.fetch(ctx, req)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to generate questions")
	}

	output, err := json.MarshalIndent(map[string]any{"questions": questions}, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to marshal questions")
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, output, 0644); err != nil {
			logger.Fatal().Err(err).Msg("Failed to write output file")
		}
		logger.Info().Str("file", *outputFile).Int("questions", len(questions)).Msg("Questions saved")
	} else {
		fmt.Println(string(output))
	}
}

// generator runs a request either in process or against a webserver.
type generator interface {
	stream(ctx context.Context, req triviastream.GenerationRequest, onProgress func(triviastream.Progress), onError func(error))
	fetch(ctx context.Context, req triviastream.GenerationRequest) ([]triviastream.Question, error)
}

type localGenerator struct {
	source triviastream.QuestionSource
}

func (g *localGenerator) stream(ctx context.Context, req triviastream.GenerationRequest, onProgress func(triviastream.Progress), onError func(error)) {
	events, err := g.source.Stream(ctx, req)
	if err != nil {
		onError(err)
		return
	}
	triviastream.TrackEvents(ctx, events, req.Requested(), onProgress, onError)
}

func (g *localGenerator) fetch(ctx context.Context, req triviastream.GenerationRequest) ([]triviastream.Question, error) {
	return g.source.Generate(ctx, req)
}

type remoteGenerator struct {
	client *triviastream.StreamClient
}

func (g *remoteGenerator) stream(ctx context.Context, req triviastream.GenerationRequest, onProgress func(triviastream.Progress), onError func(error)) {
	g.client.Stream(ctx, req, onProgress, onError)
}

func (g *remoteGenerator) fetch(ctx context.Context, req triviastream.GenerationRequest) ([]triviastream.Question, error) {
	return g.client.Fetch(ctx, req)
}

func collect(ctx context.Context, runner generator, req triviastream.GenerationRequest) ([]triviastream.Question, error) {
	var (
		questions []triviastream.Question
		runErr    error
	)
	runner.stream(ctx, req,
		func(p triviastream.Progress) {
			fmt.Fprintf(os.Stderr, "⏳ %d/%d questions\n", p.Current, p.Total)
			questions = p.Questions
		},
		func(err error) { runErr = err },
	)
	if runErr != nil {
		return nil, runErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return questions, nil
}

// playQuiz generates in the background and plays each question as soon as it is
// persisted, the same flow the web pages follow.
func playQuiz(ctx context.Context, runner generator, req triviastream.GenerationRequest, logger zerolog.Logger) error {
	fmt.Printf("🎯 Starting interactive quiz on: %s\n", req.Topic)
	fmt.Printf("📝 Questions: %d, Difficulty: %s\n", req.QuestionCount, req.Difficulty)
	fmt.Println("⏳ Generating questions... (this may take a moment)")
	fmt.Println()

	store := triviastream.NewObservedStore(triviastream.NewMemoryStore())
	state := triviastream.NewSessionState(store, "cli")
	if err := state.Reset(ctx, req.Topic, req.QuestionCount); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	loader := triviastream.NewLoader(ctx, state, triviastream.DefaultSettleDelay, nil, logger)

	g.Go(func() error {
		runner.stream(ctx, req, loader.OnProgress, loader.OnError)
		return nil
	})

	g.Go(func() error {
		select {
		case <-loader.Ready():
		case <-loader.Done():
			if err := loader.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		return play(ctx, store, state, loader)
	})

	return g.Wait()
}

func play(ctx context.Context, store *triviastream.ObservedStore, state *triviastream.SessionState, loader *triviastream.Loader) error {
	display := triviastream.NewDisplay(state, nil)
	changes, unwatch := store.Watch(state.ID())
	defer unwatch()

	scanner := bufio.NewScanner(os.Stdin)
	options := "ABCD"
	next := 0

	for {
		st, err := display.Sync(ctx)
		if err != nil {
			return err
		}

		if next < len(st.Questions) {
			q := st.Questions[next]
			total := st.TotalRequested
			fmt.Printf("Question %d/%d:\n", next+1, total)
			fmt.Printf("%s\n\n", q.Question.Question)
			for i, answer := range q.ShuffledAnswers {
				fmt.Printf("%c) %s\n", options[i], answer)
			}
			fmt.Println()

			choice := -1
			for choice < 0 {
				fmt.Print("Your answer (A/B/C/D): ")
				if !scanner.Scan() {
					return errors.New("input closed")
				}
				in := strings.ToUpper(strings.TrimSpace(scanner.Text()))
				if idx := strings.Index(options[:len(q.ShuffledAnswers)], in); len(in) == 1 && idx >= 0 {
					choice = idx
				} else if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(q.ShuffledAnswers) {
					choice = n - 1
				} else {
					fmt.Println("Please enter A, B, C, or D")
				}
			}

			answer, err := display.Answer(ctx, next, q.ShuffledAnswers[choice])
			if err != nil {
				return err
			}
			fmt.Println()
			if answer.IsCorrect {
				fmt.Println("✅ Correct!")
			} else {
				fmt.Printf("❌ Incorrect. The correct answer is: %s\n", q.CorrectAnswer)
			}
			if q.Explanation != "" {
				fmt.Printf("💡 Explanation: %s\n", q.Explanation)
			}
			fmt.Println()
			fmt.Println(strings.Repeat("─", 50))
			fmt.Println()
			next++
			continue
		}

		if st.Complete || isClosed(loader.Done()) {
			printSummary(st)
			return nil
		}

		fmt.Println("⏳ Generating next question...")
		select {
		case <-changes:
		case <-loader.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func printSummary(st triviastream.PersistedQuizState) {
	summary := triviastream.Summarize(st)

	fmt.Println("🎉 Quiz completed!")
	fmt.Printf("\n🏆 Score: %d/%d (%d%%)\n", summary.Score, summary.TotalQuestions, summary.Percentage)

	switch {
	case summary.Percentage >= 80:
		fmt.Println("🌟 Excellent work!")
	case summary.Percentage >= 60:
		fmt.Println("👍 Good job!")
	default:
		fmt.Println("📚 Keep studying!")
	}
}
