// Package service implements the monitoring operations and the per-subject
// poll cycle: fetch, normalize, diff, aggregate, persist, notify.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/allocvoid/clashspy/internal/api"
	"github.com/allocvoid/clashspy/internal/battle"
	"github.com/allocvoid/clashspy/internal/constants"
	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/stats"
	"github.com/allocvoid/clashspy/internal/store"
)

// BattleAPI is the external battle-log/profile lookup collaborator.
type BattleAPI interface {
	FetchProfile(ctx context.Context, tag string) (*api.Profile, error)
	FetchBattleLog(ctx context.Context, tag string) ([]api.RawBattle, error)
	FetchUpcomingChests(ctx context.Context, tag string) (*api.ChestCycle, error)
}

// Notifier receives monitoring events. Publish must not block the cycle.
type Notifier interface {
	Publish(ctx context.Context, ev domain.Event)
}

// SubjectWatcher is the scheduler's view: it is told when subjects start and
// stop being monitored.
type SubjectWatcher interface {
	Watch(tag string)
	Unwatch(tag string)
}

// MonitorService owns the in-memory monitoring state and drives the cycle
// pipeline. State is loaded from the store at startup and every successful
// cycle is committed back before the in-memory copy advances.
type MonitorService struct {
	api      BattleAPI
	store    *store.Store
	notifier Notifier
	limiter  *rate.Limiter
	logger   zerolog.Logger

	mu       sync.RWMutex
	subjects map[string]*store.SubjectState

	watcher        SubjectWatcher
	commitFailures map[string]int
}

func NewMonitorService(battleAPI BattleAPI, st *store.Store, notifier Notifier, limiter *rate.Limiter, logger zerolog.Logger) *MonitorService {
	return &MonitorService{
		api:            battleAPI,
		store:          st,
		notifier:       notifier,
		limiter:        limiter,
		logger:         logger,
		subjects:       make(map[string]*store.SubjectState),
		commitFailures: make(map[string]int),
	}
}

// AttachWatcher registers the scheduler. Called once during wiring, before
// Resume.
func (s *MonitorService) AttachWatcher(w SubjectWatcher) {
	s.watcher = w
}

// Resume loads all persisted subjects and schedules the active ones. Called
// once at startup so monitoring survives restarts.
func (s *MonitorService) Resume(ctx context.Context) error {
	states, err := s.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("resume monitoring: %w", err)
	}

	s.mu.Lock()
	s.subjects = states
	s.mu.Unlock()

	for tag, state := range states {
		if state.Subject.Status == domain.StatusActive {
			s.watcher.Watch(tag)
		}
	}

	s.logger.Info().Int("subjects", len(states)).Msg("monitoring resumed")
	return nil
}

// StartMonitoring validates the tag against the profile API, persists the
// subject, and schedules its polling loop. A paused subject is reactivated
// with its cursor and aggregate intact.
func (s *MonitorService) StartMonitoring(ctx context.Context, tag string) (*domain.Subject, error) {
	tag = domain.NormalizeTag(tag)
	if tag == "" {
		return nil, ErrProfileNotFound
	}

	s.mu.Lock()
	if state, ok := s.subjects[tag]; ok {
		if state.Subject.Status == domain.StatusActive {
			s.mu.Unlock()
			return nil, ErrAlreadyMonitored
		}
		// Re-monitor a paused subject: cursor and aggregate stayed frozen.
		state.Subject.Status = domain.StatusActive
		subj := state.Subject
		s.mu.Unlock()

		if err := s.store.SetStatus(ctx, tag, domain.StatusActive); err != nil {
			return nil, err
		}
		s.watcher.Watch(tag)
		s.logger.Info().Str("tag", tag).Msg("monitoring reactivated")
		return &subj, nil
	}
	s.mu.Unlock()

	profile, err := s.fetchProfile(ctx, tag)
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("fetch profile for %s: %w", tag, err)
	}

	subj := domain.Subject{
		Tag:       tag,
		Name:      profile.Name,
		Arena:     profile.Arena.Name,
		Trophies:  profile.Trophies,
		Status:    domain.StatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSubject(ctx, subj); err != nil {
		if errors.Is(err, store.ErrSubjectExists) {
			return nil, ErrAlreadyMonitored
		}
		return nil, err
	}

	s.mu.Lock()
	s.subjects[tag] = &store.SubjectState{
		Subject:   subj,
		Aggregate: domain.NewSubjectAggregate(),
	}
	s.mu.Unlock()

	s.watcher.Watch(tag)
	s.logger.Info().Str("tag", tag).Str("name", subj.Name).Msg("monitoring started")
	return &subj, nil
}

// StopMonitoring pauses a subject. An in-flight cycle completes and commits
// normally; the scheduler just stops scheduling further cycles. Cursor and
// aggregate remain frozen until re-monitored or deleted.
func (s *MonitorService) StopMonitoring(ctx context.Context, tag string) (*domain.Subject, error) {
	tag = domain.NormalizeTag(tag)

	s.mu.Lock()
	state, ok := s.subjects[tag]
	if !ok || state.Subject.Status != domain.StatusActive {
		s.mu.Unlock()
		return nil, ErrNotMonitored
	}
	state.Subject.Status = domain.StatusPaused
	subj := state.Subject
	s.mu.Unlock()

	s.watcher.Unwatch(tag)
	if err := s.store.SetStatus(ctx, tag, domain.StatusPaused); err != nil {
		return nil, err
	}

	s.logger.Info().Str("tag", tag).Msg("monitoring stopped")
	return &subj, nil
}

// DeleteSubject removes a subject and all of its persisted state.
func (s *MonitorService) DeleteSubject(ctx context.Context, tag string) error {
	tag = domain.NormalizeTag(tag)

	s.watcher.Unwatch(tag)
	if err := s.store.DeleteSubject(ctx, tag); err != nil {
		if errors.Is(err, store.ErrSubjectNotFound) {
			return ErrNotMonitored
		}
		return err
	}

	s.mu.Lock()
	delete(s.subjects, tag)
	delete(s.commitFailures, tag)
	s.mu.Unlock()

	s.logger.Info().Str("tag", tag).Msg("subject deleted")
	return nil
}

// ListMonitored returns every known subject, newest first.
func (s *MonitorService) ListMonitored() []domain.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subjects := make([]domain.Subject, 0, len(s.subjects))
	for _, state := range s.subjects {
		subjects = append(subjects, state.Subject)
	}
	sort.Slice(subjects, func(i, j int) bool {
		return subjects[i].CreatedAt.After(subjects[j].CreatedAt)
	})
	return subjects
}

// GetStats returns a snapshot of the subject's aggregate.
func (s *MonitorService) GetStats(tag string) (domain.Subject, *domain.SubjectAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.subjects[domain.NormalizeTag(tag)]
	if !ok {
		return domain.Subject{}, nil, ErrNotMonitored
	}
	return state.Subject, state.Aggregate.Clone(), nil
}

// GetRivals lists the subject's repeat opponents.
func (s *MonitorService) GetRivals(tag string, minEncounters int) ([]domain.RivalEntry, error) {
	_, agg, err := s.GetStats(tag)
	if err != nil {
		return nil, err
	}
	return stats.ListRivals(agg, minEncounters), nil
}

// HeadToHead returns the subject's record against one opponent.
func (s *MonitorService) HeadToHead(tag, opponentTag string) (domain.RivalEntry, error) {
	_, agg, err := s.GetStats(tag)
	if err != nil {
		return domain.RivalEntry{}, err
	}
	return stats.HeadToHead(agg, opponentTag)
}

// RecentBattles returns the subject's persisted battle history, newest first.
func (s *MonitorService) RecentBattles(ctx context.Context, tag string, limit int) ([]domain.BattleRecord, error) {
	s.mu.RLock()
	_, ok := s.subjects[domain.NormalizeTag(tag)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotMonitored
	}
	return s.store.RecentBattles(ctx, tag, limit)
}

// UpcomingChests fetches the chest cycle for any tag, monitored or not.
// Draws from the same request budget as everything else.
func (s *MonitorService) UpcomingChests(ctx context.Context, tag string) (*api.ChestCycle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	defer cancel()

	chests, err := s.api.FetchUpcomingChests(fetchCtx, domain.NormalizeTag(tag))
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return chests, nil
}

// SearchPlayer fetches a profile for any tag, monitored or not.
func (s *MonitorService) SearchPlayer(ctx context.Context, tag string) (*api.Profile, error) {
	profile, err := s.fetchProfile(ctx, domain.NormalizeTag(tag))
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return profile, nil
}

// RunCycle executes one poll cycle for a subject: fetch the battle log,
// isolate unseen battles, fold them into the aggregate, commit, then emit
// events. The scheduler guarantees cycles for one subject never overlap.
func (s *MonitorService) RunCycle(ctx context.Context, tag string) error {
	tag = domain.NormalizeTag(tag)

	s.mu.RLock()
	state, ok := s.subjects[tag]
	if !ok || state.Subject.Status != domain.StatusActive {
		s.mu.RUnlock()
		return ErrNotMonitored
	}
	subj := state.Subject
	cursor := state.Cursor
	agg := state.Aggregate.Clone()
	s.mu.RUnlock()

	raw, err := s.fetchBattleLog(ctx, tag)
	if err != nil {
		return fmt.Errorf("fetch battle log for %s: %w", tag, err)
	}

	fresh := make([]domain.BattleRecord, 0, len(raw))
	for _, entry := range raw {
		rec, err := battle.Normalize(entry, tag)
		if err != nil {
			// Malformed entries are local failures: skip the one record,
			// keep diffing the rest.
			s.logger.Warn().Err(err).Str("tag", tag).Msg("skipping malformed battle entry")
			continue
		}
		fresh = append(fresh, rec)
	}

	diff := battle.Diff(cursor, fresh)

	var events []domain.Event
	if diff.Discontinuity {
		s.logger.Warn().
			Str("tag", tag).
			Int("battles", len(diff.Unseen)).
			Msg("battle log discontinuity, treating full log as unseen")
		events = append(events, domain.NewLogDiscontinuityEvent(subj, len(diff.Unseen)))
	}

	for _, rec := range diff.Unseen {
		preEncounters := 0
		if opp, ok := agg.Opponents[rec.OpponentTag]; ok {
			preEncounters = opp.Battles
		}

		stats.Apply(agg, rec)

		var rival *domain.RivalEntry
		if opp, ok := agg.Opponents[rec.OpponentTag]; ok && stats.IsRival(opp) {
			entry, err := stats.HeadToHead(agg, rec.OpponentTag)
			if err == nil {
				rival = &entry
			}
		}
		events = append(events, domain.NewBattleEvent(subj, rec, *agg.Clone(), rival))

		// Promotion fires exactly when this battle crosses the threshold.
		if rival != nil && preEncounters == stats.MinRivalEncounters-1 {
			events = append(events, domain.NewRivalPromotedEvent(subj, *rival))
		}
	}

	commitCtx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()
	if err := s.store.Commit(commitCtx, tag, diff.Cursor, agg, diff.Unseen); err != nil {
		// The cycle's in-memory results are discarded; cursor and aggregate
		// stay at pre-cycle values and the next cycle retries.
		return s.recordCommitFailure(ctx, subj, err)
	}

	s.mu.Lock()
	if live, ok := s.subjects[tag]; ok {
		live.Cursor = diff.Cursor
		live.Aggregate = agg
	}
	delete(s.commitFailures, tag)
	s.mu.Unlock()

	for _, ev := range events {
		s.notifier.Publish(ctx, ev)
	}

	if len(diff.Unseen) > 0 || diff.Baseline {
		s.logger.Info().
			Str("tag", tag).
			Int("new_battles", len(diff.Unseen)).
			Bool("baseline", diff.Baseline).
			Int64("fetch_seq", diff.Cursor.FetchSeq).
			Msg("cycle committed")
	}
	return nil
}

// RefreshProfile re-fetches the subject's profile to keep the display name
// fresh and emits an event when the arena changed. Paced by the scheduler on
// a slower interval than battle-log polls.
func (s *MonitorService) RefreshProfile(ctx context.Context, tag string) error {
	tag = domain.NormalizeTag(tag)

	s.mu.RLock()
	state, ok := s.subjects[tag]
	if !ok || state.Subject.Status != domain.StatusActive {
		s.mu.RUnlock()
		return ErrNotMonitored
	}
	subj := state.Subject
	s.mu.RUnlock()

	profile, err := s.fetchProfile(ctx, tag)
	if err != nil {
		return fmt.Errorf("refresh profile for %s: %w", tag, err)
	}

	if err := s.store.UpdateProfile(ctx, tag, profile.Name, profile.Arena.Name, profile.Trophies); err != nil {
		return err
	}

	prevArena := subj.Arena
	s.mu.Lock()
	if live, ok := s.subjects[tag]; ok {
		live.Subject.Name = profile.Name
		live.Subject.Arena = profile.Arena.Name
		live.Subject.Trophies = profile.Trophies
		subj = live.Subject
	}
	s.mu.Unlock()

	if prevArena != "" && profile.Arena.Name != "" && profile.Arena.Name != prevArena {
		s.notifier.Publish(ctx, domain.NewArenaChangedEvent(subj, prevArena, profile.Arena.Name, profile.Trophies))
	}
	return nil
}

// NotifyFailing surfaces a subject whose fetches keep failing. Called by the
// scheduler once the bounded retry budget is exhausted.
func (s *MonitorService) NotifyFailing(ctx context.Context, tag string, failures int, reason string) {
	s.mu.RLock()
	state, ok := s.subjects[domain.NormalizeTag(tag)]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.notifier.Publish(ctx, domain.NewMonitorFailingEvent(state.Subject, failures, reason))
}

// fetchProfile acquires rate-limit permission immediately before the
// outbound request so command-path fetches draw from the same budget as
// scheduled polls.
func (s *MonitorService) fetchProfile(ctx context.Context, tag string) (*api.Profile, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	defer cancel()
	return s.api.FetchProfile(fetchCtx, tag)
}

func (s *MonitorService) fetchBattleLog(ctx context.Context, tag string) ([]api.RawBattle, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	defer cancel()
	return s.api.FetchBattleLog(fetchCtx, tag)
}

func (s *MonitorService) recordCommitFailure(ctx context.Context, subj domain.Subject, err error) error {
	s.mu.Lock()
	s.commitFailures[subj.Tag]++
	failures := s.commitFailures[subj.Tag]
	s.mu.Unlock()

	s.logger.Error().Err(err).
		Str("tag", subj.Tag).
		Int("consecutive_failures", failures).
		Msg("state store commit failed, cycle discarded")

	if failures >= constants.MaxCommitFailures {
		s.notifier.Publish(ctx, domain.NewMonitorFailingEvent(subj, failures, "state store failure"))
	}
	return fmt.Errorf("commit cycle for %s: %w", subj.Tag, err)
}
