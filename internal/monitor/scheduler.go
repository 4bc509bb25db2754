// Package monitor schedules the per-subject polling loops. Each monitored
// subject gets one goroutine; all outbound fetches are gated through a
// single shared token bucket so the sum of all subjects' fetch rates stays
// inside the external API's budget.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/config"
	"github.com/allocvoid/clashspy/internal/constants"
	"github.com/allocvoid/clashspy/internal/service"
)

// Runner executes the work the scheduler times: poll cycles and the slower
// profile refresh.
type Runner interface {
	RunCycle(ctx context.Context, tag string) error
	RefreshProfile(ctx context.Context, tag string) error
	NotifyFailing(ctx context.Context, tag string, failures int, reason string)
}

// Scheduler owns one polling loop per watched subject. Loops for one
// subject never overlap: Watch is idempotent and each loop is a single
// goroutine running cycles strictly in sequence.
type Scheduler struct {
	runner       Runner
	pollInterval time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	rootCtx context.Context
	cancel  context.CancelFunc
	loops   map[string]*loop
	pending []string // watches requested before Start
	wg      sync.WaitGroup
}

type loop struct {
	cancel context.CancelFunc
}

func NewScheduler(runner Runner, cfg *config.Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:       runner,
		pollInterval: cfg.PollInterval,
		logger:       logger,
		loops:        make(map[string]*loop),
	}
}

// Start makes the scheduler live and spawns loops for any watches that were
// requested before startup completed.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.rootCtx != nil {
		s.mu.Unlock()
		return
	}
	s.rootCtx, s.cancel = context.WithCancel(context.Background())
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, tag := range pending {
		s.Watch(tag)
	}
	s.logger.Info().Dur("poll_interval", s.pollInterval).Msg("scheduler started")
}

// Stop cancels every loop and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Watch starts the polling loop for a subject. A subject already being
// watched keeps its existing loop.
func (s *Scheduler) Watch(tag string) {
	s.mu.Lock()
	if s.rootCtx == nil {
		s.pending = append(s.pending, tag)
		s.mu.Unlock()
		return
	}
	if _, running := s.loops[tag]; running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(s.rootCtx)
	l := &loop{cancel: cancel}
	s.loops[tag] = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runLoop(loopCtx, tag, l)
	s.logger.Debug().Str("tag", tag).Msg("subject loop started")
}

// Unwatch stops scheduling cycles for a subject. An in-flight cycle is not
// interrupted: cycles run against the scheduler's root context, so the
// cancellation only skips the loop's future iterations.
func (s *Scheduler) Unwatch(tag string) {
	s.mu.Lock()
	l, ok := s.loops[tag]
	if ok {
		delete(s.loops, tag)
	}
	s.mu.Unlock()
	if ok {
		l.cancel()
		s.logger.Debug().Str("tag", tag).Msg("subject loop stopped")
	}
}

// Watching reports whether a loop exists for the subject.
func (s *Scheduler) Watching(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[tag]
	return ok
}

func (s *Scheduler) runLoop(loopCtx context.Context, tag string, l *loop) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		// An exiting loop must not remove a successor registered for the
		// same tag after an Unwatch/Watch pair.
		if s.loops[tag] == l {
			delete(s.loops, tag)
		}
		s.mu.Unlock()
	}()

	s.mu.Lock()
	rootCtx := s.rootCtx
	s.mu.Unlock()

	backoff := s.newBackoff()
	consecutive := 0
	var lastProfileRefresh time.Time

	for {
		// Cycles run on the root context: unwatching mid-cycle lets the
		// cycle finish and commit, it only stops future iterations.
		err := s.runner.RunCycle(rootCtx, tag)

		delay := s.pollInterval
		switch {
		case err == nil:
			consecutive = 0
			backoff = s.newBackoff()

			if time.Since(lastProfileRefresh) >= constants.ProfileRefreshInterval {
				if rErr := s.runner.RefreshProfile(rootCtx, tag); rErr != nil {
					s.logger.Warn().Err(rErr).Str("tag", tag).Msg("profile refresh failed")
				}
				lastProfileRefresh = time.Now()
			}

		case errors.Is(err, service.ErrNotMonitored):
			return

		case api.IsRetryable(err):
			consecutive++
			next, _ := backoff.Next()
			if hint, ok := api.RetryHint(err); ok && hint > next {
				next = hint
			}
			delay = next
			s.logger.Warn().Err(err).
				Str("tag", tag).
				Int("consecutive_failures", consecutive).
				Dur("backoff", delay).
				Msg("cycle failed, backing off")

			if consecutive >= constants.MaxFetchRetries {
				s.runner.NotifyFailing(rootCtx, tag, consecutive, errKind(err))
				consecutive = 0
				backoff = s.newBackoff()
				delay = s.pollInterval
			}

		default:
			consecutive++
			s.logger.Error().Err(err).Str("tag", tag).Msg("cycle failed")
		}

		select {
		case <-loopCtx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Scheduler) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(constants.BackoffCap, retry.NewExponential(constants.BackoffBase))
}

// errKind maps an error to the stable kind surfaced to users; raw transport
// errors never leak.
func errKind(err error) string {
	var rl *api.RateLimitedError
	if errors.As(err, &rl) {
		return "rate limited"
	}
	var tr *api.TransientError
	if errors.As(err, &tr) {
		return "transient api failure"
	}
	return "persistent failure"
}
