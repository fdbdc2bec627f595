package triviastream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RunKey identifies generation requests that may share one upstream run.
type RunKey struct {
	Topic           string
	Difficulty      Difficulty
	QuestionCount   int
	Stream          bool
	Remaining       bool
	InitialQuestion string
}

// KeyFor returns the sharing key of a request
func KeyFor(req GenerationRequest) RunKey {
	key := RunKey{
		Topic:         req.Topic,
		Difficulty:    req.Difficulty,
		QuestionCount: req.QuestionCount,
		Stream:        req.Stream,
		Remaining:     req.Remaining,
	}
	if req.InitialQuestion != nil {
		key.InitialQuestion = req.InitialQuestion.Question
	}
	return key
}

// StartFunc starts an upstream run for a request.
type StartFunc func(ctx context.Context, req GenerationRequest) (<-chan StreamEvent, error)

// RunPool lets identical concurrent requests share one upstream generation run.
// Every subscriber sees the full event sequence from the start. A completed run
// stays joinable for ttl after it finishes; failed runs are dropped at once. An
// unfinished run is cancelled when its last subscriber leaves.
//
// A nil *RunPool starts a fresh run for every request.
type RunPool struct {
	mu   sync.Mutex
	runs map[RunKey]*sharedRun
	ttl  time.Duration
	now  func() time.Time
	log  zerolog.Logger
}

// NewRunPool returns nil when ttl is not positive.
func NewRunPool(ttl time.Duration, log zerolog.Logger) *RunPool {
	if ttl <= 0 {
		return nil
	}
	return &RunPool{
		runs: make(map[RunKey]*sharedRun),
		ttl:  ttl,
		now:  time.Now,
		log:  log.With().Str("component", "run_pool").Logger(),
	}
}

type sharedRun struct {
	key RunKey

	ready    chan struct{} // closed once start has returned
	startErr error
	cancel   context.CancelFunc

	mu          sync.Mutex
	events      []StreamEvent
	done        bool
	failed      bool
	finishedAt  time.Time
	subscribers int
	notify      chan struct{} // closed and replaced on every change
}

// Subscribe returns the events of the run for req, starting it with start when no
// live run matches. Cancelling ctx detaches this subscriber only.
func (p *RunPool) Subscribe(ctx context.Context, req GenerationRequest, start StartFunc) (<-chan StreamEvent, error) {
	if p == nil {
		return start(ctx, req)
	}

	key := KeyFor(req)

	p.mu.Lock()
	p.evictExpired()
	run, ok := p.runs[key]
	if ok {
		run.mu.Lock()
		run.subscribers++
		run.mu.Unlock()
		p.mu.Unlock()

		p.log.Debug().Str("topic", key.Topic).Msg("Joining shared run")
		select {
		case <-run.ready:
		case <-ctx.Done():
			p.release(run)
			return nil, ctx.Err()
		}
		if run.startErr != nil {
			p.release(run)
			return nil, run.startErr
		}
		return p.subscribe(ctx, run), nil
	}

	// The upstream run outlives any single subscriber.
	upCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run = &sharedRun{
		key:         key,
		ready:       make(chan struct{}),
		cancel:      cancel,
		subscribers: 1,
		notify:      make(chan struct{}),
	}
	p.runs[key] = run
	p.mu.Unlock()

	events, err := start(upCtx, req)
	if err != nil {
		cancel()
		run.startErr = err
		p.mu.Lock()
		if p.runs[key] == run {
			delete(p.runs, key)
		}
		p.mu.Unlock()
		close(run.ready)
		return nil, err
	}
	close(run.ready)

	go p.record(run, events)
	return p.subscribe(ctx, run), nil
}

// Len returns the number of runs currently held.
func (p *RunPool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictExpired()
	return len(p.runs)
}

func (p *RunPool) record(run *sharedRun, events <-chan StreamEvent) {
	defer run.cancel()

	for ev := range events {
		run.mu.Lock()
		run.events = append(run.events, ev)
		if ev.Done || ev.Error != "" || ev.Err != nil {
			run.done = true
			run.failed = !ev.Done
			run.finishedAt = p.now()
		}
		close(run.notify)
		run.notify = make(chan struct{})
		run.mu.Unlock()
	}

	run.mu.Lock()
	if !run.done {
		// Closed without a terminal event: the run was cancelled.
		run.done = true
		run.failed = true
		run.finishedAt = p.now()
		close(run.notify)
		run.notify = make(chan struct{})
	}
	failed := run.failed
	run.mu.Unlock()

	if failed {
		p.mu.Lock()
		if p.runs[run.key] == run {
			delete(p.runs, run.key)
		}
		p.mu.Unlock()
	}
}

func (p *RunPool) subscribe(ctx context.Context, run *sharedRun) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		defer p.release(run)

		for i := 0; ; {
			run.mu.Lock()
			if i < len(run.events) {
				ev := run.events[i]
				i++
				run.mu.Unlock()

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Done || ev.Error != "" || ev.Err != nil {
					return
				}
				continue
			}
			if run.done {
				run.mu.Unlock()
				return
			}
			notify := run.notify
			run.mu.Unlock()

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *RunPool) release(run *sharedRun) {
	p.mu.Lock()
	defer p.mu.Unlock()

	run.mu.Lock()
	run.subscribers--
	abandon := run.subscribers == 0 && !run.done
	run.mu.Unlock()

	if !abandon {
		return
	}
	p.log.Debug().Str("topic", run.key.Topic).Msg("Last subscriber left, cancelling run")
	if p.runs[run.key] == run {
		delete(p.runs, run.key)
	}
	run.cancel()
}

// evictExpired drops completed runs older than ttl. p.mu must be held.
func (p *RunPool) evictExpired() {
	now := p.now()
	for key, run := range p.runs {
		run.mu.Lock()
		expired := run.done && now.Sub(run.finishedAt) >= p.ttl
		run.mu.Unlock()
		if expired {
			delete(p.runs, key)
		}
	}
}
