// Package store provides persistent node state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes the projections used
// by the changelog merger and the local RPC service.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Peer roles, mirroring the Rust source's PeerRole enum.
const (
	RoleFriend  = "Friend"
	RoleBlocked = "Blocked"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — peer: at most one row per account, optional display-name override
	`CREATE TABLE IF NOT EXISTS peer (
		account_id TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT ''
	)`,
	// v2 — content-addressed blobs, used for vcard photos and attachments
	`CREATE TABLE IF NOT EXISTS object (
		object_id TEXT PRIMARY KEY,
		content   BLOB NOT NULL,
		mime      TEXT NOT NULL DEFAULT ''
	)`,
	// v3 — vcard, keyed by account, references an optional photo object
	`CREATE TABLE IF NOT EXISTS vcard (
		account_id TEXT PRIMARY KEY,
		vcard_id   TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		photo      TEXT REFERENCES object(object_id)
	)`,
	// v4 — chatroom
	`CREATE TABLE IF NOT EXISTS chatroom (
		chatroom_id  TEXT PRIMARY KEY,
		name         TEXT NOT NULL DEFAULT '',
		time_updated REAL NOT NULL
	)`,
	// v5, v6 — chatroom membership and its index
	`CREATE TABLE IF NOT EXISTS chatroom_members (
		id                TEXT PRIMARY KEY,
		chatroom_id       TEXT NOT NULL REFERENCES chatroom(chatroom_id),
		member_account_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chatroom_members_room ON chatroom_members(chatroom_id)`,
	// v7, v8 — message and its index
	`CREATE TABLE IF NOT EXISTS message (
		message_id  TEXT PRIMARY KEY,
		chatroom_id TEXT NOT NULL REFERENCES chatroom(chatroom_id),
		sender      TEXT NOT NULL,
		content     TEXT NOT NULL DEFAULT '',
		time        REAL NOT NULL,
		attachment  TEXT REFERENCES object(object_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_chatroom ON message(chatroom_id, time)`,
	// v9, v10 — message recipients and its index
	`CREATE TABLE IF NOT EXISTS message_recipients (
		id                   TEXT PRIMARY KEY,
		message_id           TEXT NOT NULL REFERENCES message(message_id),
		recipient_account_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_recipients_message ON message_recipients(message_id)`,
	// v11 — WAL for concurrent readers alongside the writer mutex
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the Viska relational data model.
// A single mutex serializes writes (and, for simplicity, reads); the
// workload is light enough that concurrency tuning is not worth the
// complexity.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // a single mutex-guarded connection keeps in-memory databases coherent

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("store: record migration %d: %w", v, err)
		}
		slog.Debug("store migration applied", "version", v)
	}
	return nil
}

// DB exposes the underlying *sql.DB so the changelog merger can run its own
// transactions under the same mutex.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Lock and Unlock expose the write mutex to callers (the changelog merger)
// that need a transaction spanning several statements.
func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Peer is a row of the peer table.
type Peer struct {
	AccountID string
	Name      string
	Role      string
}

// Vcard is a row of the vcard table.
type Vcard struct {
	AccountID string
	VcardID   string
	Name      string
	Photo     *string
}

// Chatroom is a row of the chatroom table.
type Chatroom struct {
	ChatroomID  string
	Name        string
	TimeUpdated float64
}

// Message is a row of the message table, with its recipients resolved.
type Message struct {
	MessageID  string
	ChatroomID string
	Sender     string
	Content    string
	Time       float64
	Attachment *string
	Recipients []string
}

// RosterEntry is a joined peer⋈vcard row as exposed to the RPC layer.
type RosterEntry struct {
	AccountID   string
	DisplayName string
}

// ErrNotFound is returned by single-row projections when no row matches.
var ErrNotFound = errors.New("store: not found")

// FindChatroomByID returns one chatroom, or ErrNotFound.
func (s *Store) FindChatroomByID(chatroomID string) (Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Chatroom
	err := s.db.QueryRow(
		`SELECT chatroom_id, name, time_updated FROM chatroom WHERE chatroom_id = ?`,
		chatroomID,
	).Scan(&c.ChatroomID, &c.Name, &c.TimeUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return Chatroom{}, ErrNotFound
	}
	if err != nil {
		return Chatroom{}, fmt.Errorf("store: find chatroom: %w", err)
	}
	return c, nil
}

// FindAllChatrooms returns every chatroom ordered by time_updated ascending.
func (s *Store) FindAllChatrooms() ([]Chatroom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT chatroom_id, name, time_updated FROM chatroom ORDER BY time_updated ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: find all chatrooms: %w", err)
	}
	defer rows.Close()

	var out []Chatroom
	for rows.Next() {
		var c Chatroom
		if err := rows.Scan(&c.ChatroomID, &c.Name, &c.TimeUpdated); err != nil {
			return nil, fmt.Errorf("store: scan chatroom: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindMessagesByChatroom returns every message in a chatroom ordered by time
// ascending, with recipients resolved.
func (s *Store) FindMessagesByChatroom(chatroomID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT message_id, chatroom_id, sender, content, time, attachment
		 FROM message WHERE chatroom_id = ? ORDER BY time ASC`,
		chatroomID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.ChatroomID, &m.Sender, &m.Content, &m.Time, &m.Attachment); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		recipients, err := s.recipientsLocked(out[i].MessageID)
		if err != nil {
			return nil, err
		}
		out[i].Recipients = recipients
	}
	return out, nil
}

func (s *Store) recipientsLocked(messageID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT recipient_account_id FROM message_recipients WHERE message_id = ? ORDER BY recipient_account_id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: find recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("store: scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindVcardByAccountID returns one vcard, or ErrNotFound.
func (s *Store) FindVcardByAccountID(accountID string) (Vcard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v Vcard
	err := s.db.QueryRow(
		`SELECT account_id, vcard_id, name, photo FROM vcard WHERE account_id = ?`,
		accountID,
	).Scan(&v.AccountID, &v.VcardID, &v.Name, &v.Photo)
	if errors.Is(err, sql.ErrNoRows) {
		return Vcard{}, ErrNotFound
	}
	if err != nil {
		return Vcard{}, fmt.Errorf("store: find vcard: %w", err)
	}
	return v, nil
}

// Roster joins peer⋈vcard for every Friend, preferring peer.name over
// vcard.name when the former is non-empty.
func (s *Store) Roster() ([]RosterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT peer.account_id, peer.name, COALESCE(vcard.name, '')
		 FROM peer LEFT JOIN vcard ON vcard.account_id = peer.account_id
		 WHERE peer.role = ?
		 ORDER BY peer.account_id`,
		RoleFriend,
	)
	if err != nil {
		return nil, fmt.Errorf("store: roster: %w", err)
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var accountID, peerName, vcardName string
		if err := rows.Scan(&accountID, &peerName, &vcardName); err != nil {
			return nil, fmt.Errorf("store: scan roster: %w", err)
		}
		display := vcardName
		if peerName != "" {
			display = peerName
		}
		out = append(out, RosterEntry{AccountID: accountID, DisplayName: display})
	}
	return out, rows.Err()
}

// IsInRoster reports whether accountID has a Friend row in the peer table.
func (s *Store) IsInRoster(accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM peer WHERE account_id = ? AND role = ?`,
		accountID, RoleFriend,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: is in roster: %w", err)
	}
	return count > 0, nil
}

// Blacklist returns every account ID with role=Blocked.
func (s *Store) Blacklist() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT account_id FROM peer WHERE role = ? ORDER BY account_id`, RoleBlocked)
	if err != nil {
		return nil, fmt.Errorf("store: blacklist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan blacklist: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
