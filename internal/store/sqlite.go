package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	owner_name  TEXT NOT NULL,
	owner_email TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	allowed     TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS participants (
	call_id        TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	last_seen_at   INTEGER NOT NULL,
	PRIMARY KEY (call_id, participant_id)
);
CREATE TABLE IF NOT EXISTS waiting_room (
	call_id        TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	display_name   TEXT NOT NULL,
	PRIMARY KEY (call_id, participant_id)
);
CREATE TABLE IF NOT EXISTS mute_status (
	call_id        TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	muted          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (call_id, participant_id)
);
CREATE TABLE IF NOT EXISTS envelopes (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	call_id      TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
	recipient_id TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	payload      BLOB NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS envelopes_recipient ON envelopes(call_id, recipient_id);
CREATE TABLE IF NOT EXISTS call_quotas (
	owner_id TEXT NOT NULL,
	day      TEXT NOT NULL,
	count    INTEGER NOT NULL,
	PRIMARY KEY (owner_id, day)
);
`

// SQLite persists sessions in a single database file.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
	hub  *hub
}

var _ core.Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("database opened")
	return &SQLite{db: db, path: path, hub: newHub()}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Path() string { return s.path }

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadSession(ctx context.Context, q querier, id domain.CallID) (*domain.CallSession, error) {
	var (
		sess    domain.CallSession
		allowed string
		created int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, owner_id, owner_name, owner_email, description, allowed, created_at FROM calls WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.OwnerID, &sess.OwnerName, &sess.OwnerEmail, &sess.Description, &allowed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}
	sess.CreatedAt = fromNanos(created)
	if allowed != "" {
		sess.AllowedIdentities = strings.Split(allowed, "\n")
	}
	sess.Active = make(map[domain.ParticipantID]domain.Participant)
	sess.Waiting = make(map[domain.ParticipantID]domain.WaitingEntry)
	sess.Mute = make(map[domain.ParticipantID]bool)

	rows, err := q.QueryContext(ctx, `SELECT participant_id, display_name, last_seen_at FROM participants WHERE call_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for rows.Next() {
		var (
			pid  domain.ParticipantID
			p    domain.Participant
			seen int64
		)
		if err := rows.Scan(&pid, &p.DisplayName, &seen); err != nil {
			rows.Close()
			return nil, err
		}
		p.LastSeenAt = fromNanos(seen)
		sess.Active[pid] = p
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT participant_id, display_name FROM waiting_room WHERE call_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load waiting room: %w", err)
	}
	for rows.Next() {
		var (
			pid domain.ParticipantID
			w   domain.WaitingEntry
		)
		if err := rows.Scan(&pid, &w.DisplayName); err != nil {
			rows.Close()
			return nil, err
		}
		sess.Waiting[pid] = w
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("load waiting room: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT participant_id, muted FROM mute_status WHERE call_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load mute status: %w", err)
	}
	for rows.Next() {
		var (
			pid   domain.ParticipantID
			muted bool
		)
		if err := rows.Scan(&pid, &muted); err != nil {
			rows.Close()
			return nil, err
		}
		sess.Mute[pid] = muted
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("load mute status: %w", err)
	}
	return &sess, nil
}

func (s *SQLite) Session(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loadSession(ctx, s.db, id)
}

func (s *SQLite) SubscribeSession(ctx context.Context, id domain.CallID) (<-chan *domain.CallSession, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := loadSession(ctx, s.db, id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.subscribeSession(sess)
	return ch, cancel, nil
}

// write runs fn in a transaction, then publishes the committed snapshot.
func (s *SQLite) write(ctx context.Context, id domain.CallID, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM calls WHERE id = ?`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check call: %w", err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	if err := fn(tx); err != nil {
		return err
	}
	sess, err := loadSession(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.hub.publishSession(sess)
	return nil
}

func (s *SQLite) SetParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participants (call_id, participant_id, display_name, last_seen_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(call_id, participant_id) DO UPDATE SET display_name = excluded.display_name, last_seen_at = excluded.last_seen_at`,
			id, pid, p.DisplayName, toNanos(p.LastSeenAt))
		return err
	})
}

func (s *SQLite) DeleteParticipant(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE call_id = ? AND participant_id = ?`, id, pid)
		return err
	})
}

func (s *SQLite) SetWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID, w domain.WaitingEntry) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO waiting_room (call_id, participant_id, display_name)
			SELECT ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM participants WHERE call_id = ? AND participant_id = ?)
			ON CONFLICT(call_id, participant_id) DO UPDATE SET display_name = excluded.display_name`,
			id, pid, w.DisplayName, id, pid)
		return err
	})
}

func (s *SQLite) DeleteWaiting(ctx context.Context, id domain.CallID, pid domain.ParticipantID) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM waiting_room WHERE call_id = ? AND participant_id = ?`, id, pid)
		return err
	})
}

func setMute(ctx context.Context, tx *sql.Tx, id domain.CallID, pid domain.ParticipantID, muted bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mute_status (call_id, participant_id, muted) VALUES (?, ?, ?)
		ON CONFLICT(call_id, participant_id) DO UPDATE SET muted = excluded.muted`,
		id, pid, muted)
	return err
}

func (s *SQLite) SetMute(ctx context.Context, id domain.CallID, pid domain.ParticipantID, muted bool) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		return setMute(ctx, tx, id, pid, muted)
	})
}

func (s *SQLite) Admit(ctx context.Context, id domain.CallID, pid domain.ParticipantID, p domain.Participant) error {
	return s.write(ctx, id, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM waiting_room WHERE call_id = ? AND participant_id = ?`, id, pid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (call_id, participant_id, display_name, last_seen_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(call_id, participant_id) DO UPDATE SET display_name = excluded.display_name, last_seen_at = excluded.last_seen_at`,
			id, pid, p.DisplayName, toNanos(p.LastSeenAt)); err != nil {
			return err
		}
		return setMute(ctx, tx, id, pid, false)
	})
}

func (s *SQLite) AppendEnvelope(ctx context.Context, env domain.Envelope) error {
	payload, err := msgpack.Marshal(&env.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, call_id, recipient_id, sender_id, payload, created_at)
		SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM calls WHERE id = ?)`,
		env.ID, env.CallID, env.Recipient, env.Sender, payload, toNanos(env.CreatedAt), env.CallID)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE id = ?`, env.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check envelope: %w", err)
	}
	if exists == 0 {
		return domain.ErrSessionNotFound
	}
	s.hub.publishEnvelope(env)
	return nil
}

func (s *SQLite) SubscribeEnvelopes(ctx context.Context, id domain.CallID, recipient domain.ParticipantID) (<-chan domain.Envelope, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM calls WHERE id = ?`, id).Scan(&exists); err != nil {
		return nil, nil, fmt.Errorf("check call: %w", err)
	}
	if exists == 0 {
		return nil, nil, domain.ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, payload, created_at FROM envelopes
		WHERE call_id = ? AND recipient_id = ? ORDER BY seq`, id, recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("load envelopes: %w", err)
	}
	defer rows.Close()

	var pending []domain.Envelope
	for rows.Next() {
		var (
			env     = domain.Envelope{CallID: id, Recipient: recipient}
			raw     []byte
			created int64
		)
		if err := rows.Scan(&env.ID, &env.Sender, &raw, &created); err != nil {
			return nil, nil, err
		}
		if err := msgpack.Unmarshal(raw, &env.Payload); err != nil {
			log.Warn().Err(err).Str("module", "store.sqlite").Str("envelope", string(env.ID)).Msg("undecodable envelope skipped")
			continue
		}
		env.CreatedAt = fromNanos(created)
		pending = append(pending, env)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.hub.subscribeEnvelopes(id, recipient, pending)
	return ch, cancel, nil
}

func (s *SQLite) DeleteEnvelope(ctx context.Context, id domain.CallID, recipient domain.ParticipantID, envID domain.EnvelopeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE call_id = ? AND recipient_id = ? AND id = ?`, id, recipient, envID)
	if err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEnvelopeNotFound
	}
	return nil
}

func (s *SQLite) CreateCall(ctx context.Context, sess *domain.CallSession, limit int) (domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quota := domain.Quota{OwnerID: sess.OwnerID, Day: domain.QuotaDay(sess.CreatedAt)}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT count FROM call_quotas WHERE owner_id = ? AND day = ?`, quota.OwnerID, quota.Day).Scan(&quota.Count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return quota, fmt.Errorf("read quota: %w", err)
	}
	if quota.Count >= limit {
		return quota, domain.ErrQuotaExceeded
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_quotas (owner_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT(owner_id, day) DO UPDATE SET count = count + 1`, quota.OwnerID, quota.Day); err != nil {
		return quota, fmt.Errorf("write quota: %w", err)
	}
	allowed := append([]string(nil), sess.AllowedIdentities...)
	sort.Strings(allowed)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calls (id, owner_id, owner_name, owner_email, description, allowed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.OwnerName, sess.OwnerEmail, sess.Description, strings.Join(allowed, "\n"), toNanos(sess.CreatedAt)); err != nil {
		return quota, fmt.Errorf("write call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return quota, fmt.Errorf("commit: %w", err)
	}
	quota.Count++
	log.Info().Str("module", "store.sqlite").Str("call", sess.ID.String()).Str("owner", sess.OwnerID.String()).Int("quota", quota.Count).Msg("call created")
	return quota, nil
}

func (s *SQLite) Quota(ctx context.Context, owner domain.ParticipantID, day string) (domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := domain.Quota{OwnerID: owner, Day: day}
	err := s.db.QueryRowContext(ctx, `SELECT count FROM call_quotas WHERE owner_id = ? AND day = ?`, owner, day).Scan(&q.Count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return q, fmt.Errorf("read quota: %w", err)
	}
	return q, nil
}

func (s *SQLite) PendingEnvelopes(ctx context.Context, id domain.CallID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exists, n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM calls WHERE id = ?`, id).Scan(&exists); err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, domain.ErrSessionNotFound
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM envelopes WHERE call_id = ?`, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) SweepEnvelopes(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE created_at < ?`, toNanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep envelopes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) SweepSessions(ctx context.Context, createdBefore, seenBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM calls c
		WHERE created_at < ? AND NOT EXISTS (
			SELECT 1 FROM participants p WHERE p.call_id = c.id AND p.last_seen_at >= ?)`,
		toNanos(createdBefore), toNanos(seenBefore))
	if err != nil {
		return 0, fmt.Errorf("find abandoned calls: %w", err)
	}
	var ids []domain.CallID
	for rows.Next() {
		var id domain.CallID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, fmt.Errorf("find abandoned calls: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete call %s: %w", id, err)
		}
		s.hub.dropCall(id)
	}
	return len(ids), nil
}
