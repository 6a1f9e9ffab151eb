package conversation

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/weft-io/weft/pkg/acl"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conversation store: open: %w", err)
	}

	// WAL keeps API reads cheap while the router writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("conversation store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			protocol      TEXT NOT NULL,
			state         TEXT NOT NULL DEFAULT 'started',
			initiator     TEXT NOT NULL DEFAULT '',
			participants  TEXT NOT NULL DEFAULT '[]',
			reason        TEXT NOT NULL DEFAULT '',
			violations    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			expires_at    TEXT
		);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			payload         TEXT NOT NULL,
			seq             INTEGER,
			archived_at     TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id         TEXT PRIMARY KEY,
			recipient  TEXT NOT NULL,
			reason     TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conv_messages ON conversation_messages(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);
		CREATE INDEX IF NOT EXISTS idx_conversations_protocol ON conversations(protocol);
	`)
	if err != nil {
		return fmt.Errorf("conversation store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveConversation(rec *Record) error {
	participants, _ := json.Marshal(rec.Participants)
	var expiresAt *string
	if rec.ExpiresAt != nil {
		v := rec.ExpiresAt.Format(time.RFC3339Nano)
		expiresAt = &v
	}

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, protocol, state, initiator, participants, reason, violations, created_at, last_activity, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, initiator=excluded.initiator, participants=excluded.participants,
			reason=excluded.reason, violations=excluded.violations,
			last_activity=excluded.last_activity, expires_at=excluded.expires_at
	`, rec.ID, rec.Protocol, string(rec.State), rec.Initiator, string(participants), rec.Reason,
		rec.Violations, rec.CreatedAt.Format(time.RFC3339Nano), rec.LastActivity.Format(time.RFC3339Nano), expiresAt)
	if err != nil {
		return fmt.Errorf("conversation store: save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(id string) (*Record, error) {
	row := s.db.QueryRow(`SELECT id, protocol, state, initiator, participants, reason, violations, created_at, last_activity, expires_at
		FROM conversations WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation %q not found", id)
		}
		return nil, fmt.Errorf("conversation store: get: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListConversations(f Filter) ([]*Record, error) {
	query := `SELECT id, protocol, state, initiator, participants, reason, violations, created_at, last_activity, expires_at
		FROM conversations WHERE 1=1`
	var args []any

	if f.State != "" {
		query += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.Protocol != "" {
		query += " AND protocol = ?"
		args = append(args, f.Protocol)
	}
	if f.Participant != "" {
		query += " AND (initiator = ? OR participants LIKE ?)"
		args = append(args, f.Participant, fmt.Sprintf("%%%q%%", f.Participant))
	}
	query += " ORDER BY last_activity DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation store: list: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("conversation store: list scan: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) AppendMessage(conversationID string, msg acl.Message) error {
	if msg.ID == "" {
		msg.ID = acl.NewID()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation store: encode message: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO conversation_messages (id, conversation_id, payload, seq, archived_at)
		VALUES (?, ?, ?, (SELECT COUNT(*) FROM conversation_messages WHERE conversation_id = ?), ?)`,
		msg.ID, conversationID, string(payload), conversationID, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("conversation store: append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(conversationID string) ([]acl.Message, error) {
	rows, err := s.db.Query(`SELECT payload FROM conversation_messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation store: messages: %w", err)
	}
	defer rows.Close()

	var msgs []acl.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("conversation store: scan message: %w", err)
		}
		var m acl.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("conversation store: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) DeadLetter(msg acl.Message, recipient, reason string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("conversation store: encode dead letter: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO dead_letters (id, recipient, reason, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		acl.NewID(), recipient, reason, string(payload), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("conversation store: dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetters(limit int) ([]DeadLetter, error) {
	query := `SELECT id, recipient, reason, payload, created_at FROM dead_letters ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("conversation store: dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var payload, createdAt string
		if err := rows.Scan(&dl.ID, &dl.Recipient, &dl.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("conversation store: scan dead letter: %w", err)
		}
		json.Unmarshal([]byte(payload), &dl.Message)
		dl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DB returns the underlying database connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*Record, error) {
	var rec Record
	var state, participantsJSON, createdAt, lastActivity string
	var expiresAt *string

	err := row.Scan(&rec.ID, &rec.Protocol, &state, &rec.Initiator, &participantsJSON,
		&rec.Reason, &rec.Violations, &createdAt, &lastActivity, &expiresAt)
	if err != nil {
		return nil, err
	}

	rec.State = State(state)
	json.Unmarshal([]byte(participantsJSON), &rec.Participants)
	if rec.Participants == nil {
		rec.Participants = []string{}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
	if expiresAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *expiresAt)
		rec.ExpiresAt = &t
	}
	return &rec, nil
}
