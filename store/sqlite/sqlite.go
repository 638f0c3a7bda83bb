// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/fecoder/model"
	"github.com/jxucoder/fecoder/store"
)

// Store manages user, session and message persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			sandbox_id    TEXT NOT NULL DEFAULT '',
			preview_url   TEXT NOT NULL DEFAULT '',
			title         TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'pending',
			created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
			last_activity DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (user_id) REFERENCES users(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_id
			ON sessions(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			steps      TEXT,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id
			ON messages(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Users ---

// CreateUser inserts a new user. The email must be unique.
func (s *Store) CreateUser(u *model.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, password_hash, created_at)
		 VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt,
	)
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(id string) (*model.User, error) {
	row := s.db.QueryRow(
		`SELECT id, email, password_hash, created_at FROM users WHERE id = ?`, id,
	)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	)
	return scanUser(row)
}

// --- Sessions ---

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	if sess.Status == "" {
		sess.Status = model.StatusPending
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, sandbox_id, preview_url, title, status, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.SandboxID, sess.PreviewURL, sess.Title,
		sess.Status, sess.CreatedAt, sess.LastActivity,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, sandbox_id, preview_url, title, status, created_at, last_activity
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns a user's sessions ordered by creation time (newest first).
func (s *Store) ListSessions(userID string) ([]*model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, sandbox_id, preview_url, title, status, created_at, last_activity
		 FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session.
func (s *Store) UpdateSession(sess *model.Session) error {
	sess.LastActivity = time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sessions SET
			sandbox_id = ?, preview_url = ?, title = ?, status = ?, last_activity = ?
		 WHERE id = ?`,
		sess.SandboxID, sess.PreviewURL, sess.Title, sess.Status,
		sess.LastActivity, sess.ID,
	)
	return err
}

// --- Messages ---

// AddMessage inserts a new message and sets its generated ID.
func (s *Store) AddMessage(msg *model.Message) error {
	steps, err := marshalSteps(msg.Steps)
	if err != nil {
		return err
	}
	result, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, steps, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, steps, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetMessages returns all messages for a session ordered by insertion.
func (s *Store) GetMessages(sessionID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, steps, created_at
		 FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the last limit messages in chronological order.
func (s *Store) RecentMessages(sessionID string, limit int) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, steps, created_at FROM (
			SELECT id, session_id, role, content, steps, created_at
			FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CompleteTurn appends the assistant message and updates the session row
// in a single transaction, so a crash never persists one without the other.
func (s *Store) CompleteTurn(sess *model.Session, msg *model.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps, err := marshalSteps(msg.Steps)
	if err != nil {
		return err
	}
	result, err := tx.Exec(
		`INSERT INTO messages (session_id, role, content, steps, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, steps, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	sess.LastActivity = time.Now().UTC()
	_, err = tx.Exec(
		`UPDATE sessions SET
			sandbox_id = ?, preview_url = ?, title = ?, status = ?, last_activity = ?
		 WHERE id = ?`,
		sess.SandboxID, sess.PreviewURL, sess.Title, sess.Status,
		sess.LastActivity, sess.ID,
	)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanUser(row scannable) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.SandboxID, &sess.PreviewURL,
		&sess.Title, &sess.Status, &sess.CreatedAt, &sess.LastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		var steps sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &steps, &m.CreatedAt); err != nil {
			return nil, err
		}
		if steps.Valid && steps.String != "" {
			if err := json.Unmarshal([]byte(steps.String), &m.Steps); err != nil {
				return nil, fmt.Errorf("decoding steps for message %d: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// marshalSteps serializes the step list, mapping an empty list to NULL.
func marshalSteps(steps []model.Step) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encoding steps: %w", err)
	}
	return string(b), nil
}
