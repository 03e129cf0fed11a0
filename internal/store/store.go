package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is bumped whenever migrate gains a new step
const schemaVersion = 1

// Store provides sqlite-backed persistence for the bridge
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the bridge database at dbPath
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			phone_number TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			active_turn_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS inbound_messages (
			message_handle TEXT PRIMARY KEY,
			received_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS flags (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			phone_number TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_audit_turn ON audit_events(turn_id, id);
		CREATE INDEX IF NOT EXISTS idx_audit_phone ON audit_events(phone_number, id DESC);

		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_account TEXT NOT NULL DEFAULT '',
			source_event_id TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			received_at_ms INTEGER NOT NULL,
			processed_at_ms INTEGER NOT NULL DEFAULT 0,
			delivery TEXT NOT NULL DEFAULT '',
			reason_code TEXT NOT NULL DEFAULT '',
			message_excerpt TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL DEFAULT '',
			raw_excerpt TEXT NOT NULL DEFAULT '',
			raw_size_bytes INTEGER NOT NULL DEFAULT 0,
			raw_truncated INTEGER NOT NULL DEFAULT 0,
			duplicate_count INTEGER NOT NULL DEFAULT 0,
			first_seen_at_ms INTEGER NOT NULL,
			last_seen_at_ms INTEGER NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			turn_id TEXT NOT NULL DEFAULT '',
			decision_json TEXT NOT NULL DEFAULT '',
			error_text TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_received ON notifications(received_at_ms DESC);
		CREATE INDEX IF NOT EXISTS idx_notifications_source ON notifications(source, received_at_ms DESC);
		CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status, received_at_ms DESC);
		`
		if _, err := s.db.Exec(schema); err != nil {
			return err
		}
	}

	if version != schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return err
		}
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Session operations

// GetOrCreateSession returns the session for phone, creating a default row if
// none exists
func (s *Store) GetOrCreateSession(ctx context.Context, phone string) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT phone_number, thread_id, active_turn_id, model, updated_at_ms
		FROM sessions WHERE phone_number = ?
	`, phone).Scan(&sess.PhoneNumber, &sess.ThreadID, &sess.ActiveTurnID, &sess.Model, &sess.UpdatedAtMs)

	if err == sql.ErrNoRows {
		now := nowMs()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sessions (phone_number, thread_id, active_turn_id, model, updated_at_ms)
			VALUES (?, '', '', '', ?)
		`, phone, now)
		if err != nil {
			return nil, err
		}
		return &Session{PhoneNumber: phone, UpdatedAtMs: now}, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) updateSession(ctx context.Context, phone, column, value string) error {
	if _, err := s.GetOrCreateSession(ctx, phone); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE sessions SET %s = ?, updated_at_ms = ? WHERE phone_number = ?`, column)
	_, err := s.db.ExecContext(ctx, query, value, nowMs(), phone)
	return err
}

// SetThreadID records the current thread for the session
func (s *Store) SetThreadID(ctx context.Context, phone, threadID string) error {
	return s.updateSession(ctx, phone, "thread_id", threadID)
}

// SetActiveTurnID records the active turn for the session
func (s *Store) SetActiveTurnID(ctx context.Context, phone, turnID string) error {
	return s.updateSession(ctx, phone, "active_turn_id", turnID)
}

// ClearActiveTurn clears the active turn for the session
func (s *Store) ClearActiveTurn(ctx context.Context, phone string) error {
	return s.updateSession(ctx, phone, "active_turn_id", "")
}

// SetModel records the session model
func (s *Store) SetModel(ctx context.Context, phone, model string) error {
	return s.updateSession(ctx, phone, "model", model)
}

// ResetSession clears thread and active turn atomically
func (s *Store) ResetSession(ctx context.Context, phone string) error {
	if _, err := s.GetOrCreateSession(ctx, phone); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET thread_id = '', active_turn_id = '', updated_at_ms = ? WHERE phone_number = ?
	`, nowMs(), phone)
	return err
}

// Dedupe operations

// MarkProcessed records a message handle; returns true iff this is the first
// time the handle has been seen
func (s *Store) MarkProcessed(ctx context.Context, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbound_messages (message_handle, received_at_ms) VALUES (?, ?)
	`, handle, nowMs())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkManyProcessed records a batch of handles; returns the number inserted
func (s *Store) MarkManyProcessed(ctx context.Context, handles []string) (int, error) {
	if len(handles) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowMs()
	inserted := 0
	for _, h := range handles {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO inbound_messages (message_handle, received_at_ms) VALUES (?, ?)
		`, h, now)
		if err != nil {
			return 0, err
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// HasAnyProcessed reports whether any message handle has ever been recorded
func (s *Store) HasAnyProcessed(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM inbound_messages LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Flag operations

// GetFlag returns the raw flag value and whether the key exists
func (s *Store) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetFlag stores the raw flag value
func (s *Store) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`, key, value, nowMs())
	return err
}

// DeleteFlag removes a flag
func (s *Store) DeleteFlag(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key)
	return err
}

// GetBoolFlag returns a boolean flag, defaulting to def when unset or invalid
func (s *Store) GetBoolFlag(ctx context.Context, key string, def bool) (bool, error) {
	value, ok, err := s.GetFlag(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def, nil
	}
	return b, nil
}

// SetBoolFlag stores a boolean flag
func (s *Store) SetBoolFlag(ctx context.Context, key string, value bool) error {
	return s.SetFlag(ctx, key, strconv.FormatBool(value))
}

// GetJSONFlag unmarshals a JSON-encoded flag into out; returns false when unset
func (s *Store) GetJSONFlag(ctx context.Context, key string, out interface{}) (bool, error) {
	value, ok, err := s.GetFlag(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("flag %s holds invalid JSON: %w", key, err)
	}
	return true, nil
}

// SetJSONFlag stores a JSON-encoded flag
func (s *Store) SetJSONFlag(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal flag %s: %w", key, err)
	}
	return s.SetFlag(ctx, key, string(data))
}

// ConsumeFlag atomically reads and deletes a one-shot flag. Returns the value
// and true iff the flag existed.
func (s *Store) ConsumeFlag(ctx context.Context, key string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, tx.Commit()
	}
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Audit operations

// AppendAudit appends an event to the audit log and fills in its id and
// timestamp
func (s *Store) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	if ev.TsMs == 0 {
		ev.TsMs = nowMs()
	}
	payload := string(ev.Payload)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (ts_ms, phone_number, thread_id, turn_id, kind, summary, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.TsMs, ev.PhoneNumber, ev.ThreadID, ev.TurnID, ev.Kind, ev.Summary, payload)
	if err != nil {
		return err
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// LastTurnTimeline returns the ordered events of the most recent turn seen for
// the user, up to limit rows
func (s *Store) LastTurnTimeline(ctx context.Context, phone string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	var turnID string
	err := s.db.QueryRowContext(ctx, `
		SELECT turn_id FROM audit_events
		WHERE phone_number = ? AND turn_id != ''
		ORDER BY id DESC LIMIT 1
	`, phone).Scan(&turnID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_ms, phone_number, thread_id, turn_id, kind, summary, payload_json
		FROM audit_events
		WHERE phone_number = ? AND turn_id = ?
		ORDER BY id ASC LIMIT ?
	`, phone, turnID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var payload string
		if err := rows.Scan(&ev.ID, &ev.TsMs, &ev.PhoneNumber, &ev.ThreadID, &ev.TurnID, &ev.Kind, &ev.Summary, &payload); err != nil {
			return nil, err
		}
		if payload != "" {
			ev.Payload = json.RawMessage(payload)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// Notification operations

const notificationColumns = `id, source, source_account, source_event_id, dedupe_key, status,
	received_at_ms, processed_at_ms, delivery, reason_code, message_excerpt, summary,
	payload_hash, raw_excerpt, raw_size_bytes, raw_truncated, duplicate_count,
	first_seen_at_ms, last_seen_at_ms, thread_id, turn_id, decision_json, error_text`

func scanNotification(row interface{ Scan(...interface{}) error }) (*Notification, error) {
	n := &Notification{}
	var truncated int64
	err := row.Scan(&n.ID, &n.Source, &n.SourceAccount, &n.SourceEventID, &n.DedupeKey, &n.Status,
		&n.ReceivedAtMs, &n.ProcessedAtMs, &n.Delivery, &n.ReasonCode, &n.MessageExcerpt, &n.Summary,
		&n.PayloadHash, &n.RawExcerpt, &n.RawSizeBytes, &truncated, &n.DuplicateCount,
		&n.FirstSeenAtMs, &n.LastSeenAtMs, &n.ThreadID, &n.TurnID, &n.DecisionJSON, &n.ErrorText)
	if err != nil {
		return nil, err
	}
	n.RawTruncated = truncated != 0
	return n, nil
}

// InsertNotification inserts a notification keyed by its dedupe key. When the
// key already exists the duplicate count is incremented, last-seen updated, and
// the existing row's id is returned with duplicate=true.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) (string, bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := nowMs()
	if n.ReceivedAtMs == 0 {
		n.ReceivedAtMs = now
	}
	if n.FirstSeenAtMs == 0 {
		n.FirstSeenAtMs = n.ReceivedAtMs
	}
	if n.LastSeenAtMs == 0 {
		n.LastSeenAtMs = n.ReceivedAtMs
	}
	if n.Status == "" {
		n.Status = NotificationReceived
	}

	truncated := 0
	if n.RawTruncated {
		truncated = 1
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notifications
			(id, source, source_account, source_event_id, dedupe_key, status,
			 received_at_ms, summary, payload_hash, raw_excerpt, raw_size_bytes,
			 raw_truncated, duplicate_count, first_seen_at_ms, last_seen_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, n.ID, n.Source, n.SourceAccount, n.SourceEventID, n.DedupeKey, n.Status,
		n.ReceivedAtMs, n.Summary, n.PayloadHash, n.RawExcerpt, n.RawSizeBytes,
		truncated, n.FirstSeenAtMs, n.LastSeenAtMs)
	if err != nil {
		return "", false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows > 0 {
		return n.ID, false, nil
	}

	// Conflict on dedupe_key: bump the existing row
	_, err = s.db.ExecContext(ctx, `
		UPDATE notifications SET duplicate_count = duplicate_count + 1, last_seen_at_ms = ?
		WHERE dedupe_key = ?
	`, now, n.DedupeKey)
	if err != nil {
		return "", false, err
	}

	var existingID string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM notifications WHERE dedupe_key = ?`, n.DedupeKey).Scan(&existingID)
	if err != nil {
		return "", false, err
	}
	return existingID, true, nil
}

// ClaimNextQueued atomically transitions the oldest received or queued
// notification to processing and returns it. Returns nil when none is waiting.
func (s *Store) ClaimNextQueued(ctx context.Context) (*Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM notifications
		WHERE status IN (?, ?)
		ORDER BY received_at_ms ASC, id ASC LIMIT 1
	`, NotificationReceived, NotificationQueued).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE notifications SET status = ? WHERE id = ?
	`, NotificationProcessing, id); err != nil {
		return nil, err
	}

	n, err := scanNotification(tx.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return n, nil
}

// SetNotificationTurn records the thread and turn handling a notification
func (s *Store) SetNotificationTurn(ctx context.Context, id, threadID, turnID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET thread_id = ?, turn_id = ? WHERE id = ?
	`, threadID, turnID, id)
	return err
}

// RecordDecision stores the terminal decision for a notification
func (s *Store) RecordDecision(ctx context.Context, id, status, delivery, reasonCode, messageExcerpt, decisionJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, delivery = ?, reason_code = ?, message_excerpt = ?, decision_json = ?, processed_at_ms = ?
		WHERE id = ?
	`, status, delivery, reasonCode, messageExcerpt, decisionJSON, nowMs(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}

// RecordFailure marks a notification failed with an error description
func (s *Store) RecordFailure(ctx context.Context, id, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, error_text = ?, processed_at_ms = ? WHERE id = ?
	`, NotificationFailed, errText, nowMs(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}

// GetNotification returns a notification by id
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}
	return n, err
}

// ListNotifications returns the most recent notifications, optionally filtered
// by source ("" or "all" means no filter)
func (s *Store) ListNotifications(ctx context.Context, limit int, source string) ([]*Notification, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows *sql.Rows
	var err error
	if source == "" || source == "all" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+notificationColumns+` FROM notifications ORDER BY received_at_ms DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE source = ? ORDER BY received_at_ms DESC, id DESC LIMIT ?`, source, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// SearchNotifications returns notifications whose summary or raw excerpt
// contains the query text, newest first
func (s *Store) SearchNotifications(ctx context.Context, query string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE summary LIKE ? OR raw_excerpt LIKE ?
		 ORDER BY received_at_ms DESC, id DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// PruneNotifications deletes rows older than the retention window, then deletes
// oldest rows until the total is within maxRows. Returns the number deleted.
func (s *Store) PruneNotifications(ctx context.Context, retentionDays, maxRows int) (int, error) {
	deleted := 0

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE received_at_ms < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		deleted += int(rows)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`).Scan(&total); err != nil {
		return deleted, err
	}
	if total > maxRows {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM notifications WHERE id IN (
				SELECT id FROM notifications ORDER BY received_at_ms ASC, id ASC LIMIT ?
			)
		`, total-maxRows)
		if err != nil {
			return deleted, err
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			deleted += int(rows)
		}
	}
	return deleted, nil
}
