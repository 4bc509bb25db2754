// Package store is the durable state store: one record per monitored
// subject holding its cursor and aggregate, plus a capped recent-battle
// history. Commits are transactional so a crash never leaves a cursor
// advanced past battles that were not folded into the aggregate.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/constants"
	"github.com/allocvoid/clashspy/internal/domain"
)

// ErrSubjectExists is returned when creating a subject that is already stored.
var ErrSubjectExists = errors.New("subject already exists")

// ErrSubjectNotFound is returned for operations on an unknown subject.
var ErrSubjectNotFound = errors.New("subject not found")

// SubjectState is the full persisted record for one subject.
type SubjectState struct {
	Subject   domain.Subject
	Cursor    domain.MonitorCursor
	Aggregate *domain.SubjectAggregate
}

// Store persists subject monitoring state in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// CreateSubject inserts a subject together with its empty monitoring state.
// The two rows are created in one transaction: a subject without state (or
// the reverse) can never be observed.
func (s *Store) CreateSubject(ctx context.Context, subj domain.Subject) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create subject: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if subj.CreatedAt.IsZero() {
		subj.CreatedAt = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO subjects (tag, name, arena, trophies, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		subj.Tag, subj.Name, subj.Arena, subj.Trophies, string(subj.Status), subj.CreatedAt, now)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrSubjectExists
		}
		return fmt.Errorf("insert subject %s: %w", subj.Tag, err)
	}

	emptyAgg, err := json.Marshal(domain.NewSubjectAggregate())
	if err != nil {
		return fmt.Errorf("marshal empty aggregate: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO subject_state (tag, last_battle_id, last_battle_time, fetch_seq, aggregate, updated_at)
		 VALUES (?, '', NULL, 0, ?, ?)`,
		subj.Tag, string(emptyAgg), now)
	if err != nil {
		return fmt.Errorf("insert subject state %s: %w", subj.Tag, err)
	}

	return tx.Commit()
}

// DeleteSubject removes a subject and, via cascade, its state and battle
// history.
func (s *Store) DeleteSubject(ctx context.Context, tag string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subjects WHERE tag = ?`, domain.NormalizeTag(tag))
	if err != nil {
		return fmt.Errorf("delete subject %s: %w", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

// SetStatus flips a subject between active and paused.
func (s *Store) SetStatus(ctx context.Context, tag string, status domain.SubjectStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET status = ?, updated_at = ? WHERE tag = ?`,
		string(status), time.Now().UTC(), domain.NormalizeTag(tag))
	if err != nil {
		return fmt.Errorf("set status for %s: %w", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubjectNotFound
	}
	return nil
}

// UpdateProfile refreshes the display fields taken from a profile fetch.
func (s *Store) UpdateProfile(ctx context.Context, tag, name, arena string, trophies int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET name = ?, arena = ?, trophies = ?, updated_at = ? WHERE tag = ?`,
		name, arena, trophies, time.Now().UTC(), domain.NormalizeTag(tag))
	if err != nil {
		return fmt.Errorf("update profile for %s: %w", tag, err)
	}
	return nil
}

// Get loads the full state record for one subject.
func (s *Store) Get(ctx context.Context, tag string) (*SubjectState, error) {
	row := s.db.QueryRowContext(ctx, selectStateSQL+` WHERE s.tag = ?`, domain.NormalizeTag(tag))
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// LoadAll returns the state of every persisted subject, keyed by tag.
// Called once at startup to resume monitoring across restarts.
func (s *Store) LoadAll(ctx context.Context) (map[string]*SubjectState, error) {
	rows, err := s.db.QueryContext(ctx, selectStateSQL)
	if err != nil {
		return nil, fmt.Errorf("load subjects: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*SubjectState)
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states[state.Subject.Tag] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}

	s.logger.Info().Int("subjects", len(states)).Msg("loaded monitoring state")
	return states, nil
}

const selectStateSQL = `
	SELECT s.tag, s.name, s.arena, s.trophies, s.status, s.created_at, s.updated_at,
	       st.last_battle_id, st.last_battle_time, st.fetch_seq, st.aggregate
	FROM subjects s
	JOIN subject_state st ON st.tag = s.tag`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*SubjectState, error) {
	var (
		state          SubjectState
		status         string
		lastBattleTime sql.NullTime
		aggJSON        string
	)
	err := row.Scan(
		&state.Subject.Tag, &state.Subject.Name, &state.Subject.Arena,
		&state.Subject.Trophies, &status, &state.Subject.CreatedAt, &state.Subject.UpdatedAt,
		&state.Cursor.LastBattleID, &lastBattleTime, &state.Cursor.FetchSeq, &aggJSON,
	)
	if err != nil {
		return nil, err
	}
	state.Subject.Status = domain.SubjectStatus(status)
	if lastBattleTime.Valid {
		state.Cursor.LastBattleTime = lastBattleTime.Time
	}

	agg := domain.NewSubjectAggregate()
	if err := json.Unmarshal([]byte(aggJSON), agg); err != nil {
		return nil, fmt.Errorf("decode aggregate for %s: %w", state.Subject.Tag, err)
	}
	if agg.ByMode == nil {
		agg.ByMode = make(map[string]*domain.WinLoss)
	}
	if agg.Opponents == nil {
		agg.Opponents = make(map[string]*domain.OpponentStats)
	}
	state.Aggregate = agg
	return &state, nil
}

// Commit atomically replaces a subject's cursor and aggregate snapshot and
// appends the cycle's new battles, pruning history beyond the cap. Either
// the whole cycle becomes visible or none of it does.
func (s *Store) Commit(ctx context.Context, tag string, cursor domain.MonitorCursor, agg *domain.SubjectAggregate, newBattles []domain.BattleRecord) error {
	tag = domain.NormalizeTag(tag)

	aggJSON, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal aggregate for %s: %w", tag, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit for %s: %w", tag, err)
	}
	defer tx.Rollback()

	var lastBattleTime any
	if !cursor.LastBattleTime.IsZero() {
		lastBattleTime = cursor.LastBattleTime
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE subject_state
		 SET last_battle_id = ?, last_battle_time = ?, fetch_seq = ?, aggregate = ?, updated_at = ?
		 WHERE tag = ? AND fetch_seq < ?`,
		cursor.LastBattleID, lastBattleTime, cursor.FetchSeq, string(aggJSON), time.Now().UTC(),
		tag, cursor.FetchSeq)
	if err != nil {
		return fmt.Errorf("update state for %s: %w", tag, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Missing subject or a stale cursor; the fetch_seq guard keeps the
		// cursor from ever moving backward.
		return ErrSubjectNotFound
	}

	for _, b := range newBattles {
		subjectDeck, err := json.Marshal(b.SubjectDeck)
		if err != nil {
			return fmt.Errorf("marshal deck: %w", err)
		}
		opponentDeck, err := json.Marshal(b.OpponentDeck)
		if err != nil {
			return fmt.Errorf("marshal deck: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO battles (tag, battle_id, battle_time, mode, mode_name, arena, outcome,
			                      opponent_tag, opponent_name, subject_crowns, opponent_crowns,
			                      trophy_change, subject_deck, opponent_deck)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tag, b.ID, b.Time, b.Mode, b.ModeName, b.Arena, string(b.Outcome),
			b.OpponentTag, b.OpponentName, b.SubjectCrowns, b.OpponentCrowns,
			b.TrophyChange, string(subjectDeck), string(opponentDeck))
		if err != nil {
			return fmt.Errorf("insert battle %s for %s: %w", b.ID, tag, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM battles WHERE tag = ? AND battle_id NOT IN (
		     SELECT battle_id FROM battles WHERE tag = ? ORDER BY battle_time DESC LIMIT ?
		 )`,
		tag, tag, constants.BattleHistoryCap)
	if err != nil {
		return fmt.Errorf("prune battles for %s: %w", tag, err)
	}

	return tx.Commit()
}

// RecentBattles returns the newest battles for a subject, newest first.
func (s *Store) RecentBattles(ctx context.Context, tag string, limit int) ([]domain.BattleRecord, error) {
	if limit <= 0 || limit > constants.BattleHistoryCap {
		limit = constants.BattleHistoryCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT battle_id, battle_time, mode, mode_name, arena, outcome,
		        opponent_tag, opponent_name, subject_crowns, opponent_crowns,
		        trophy_change, subject_deck, opponent_deck
		 FROM battles WHERE tag = ? ORDER BY battle_time DESC LIMIT ?`,
		domain.NormalizeTag(tag), limit)
	if err != nil {
		return nil, fmt.Errorf("recent battles for %s: %w", tag, err)
	}
	defer rows.Close()

	var battles []domain.BattleRecord
	for rows.Next() {
		var (
			b            domain.BattleRecord
			outcome      string
			subjectDeck  string
			opponentDeck string
		)
		err := rows.Scan(&b.ID, &b.Time, &b.Mode, &b.ModeName, &b.Arena, &outcome,
			&b.OpponentTag, &b.OpponentName, &b.SubjectCrowns, &b.OpponentCrowns,
			&b.TrophyChange, &subjectDeck, &opponentDeck)
		if err != nil {
			return nil, err
		}
		b.Outcome = domain.Outcome(outcome)
		if err := json.Unmarshal([]byte(subjectDeck), &b.SubjectDeck); err != nil {
			return nil, fmt.Errorf("decode deck: %w", err)
		}
		if err := json.Unmarshal([]byte(opponentDeck), &b.OpponentDeck); err != nil {
			return nil, fmt.Errorf("decode deck: %w", err)
		}
		battles = append(battles, b)
	}
	return battles, rows.Err()
}
