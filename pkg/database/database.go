package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrIdentityNotFound indicates a referenced username is not registered.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrPasswordTooLong indicates a password bcrypt cannot hash (over 72 bytes).
	ErrPasswordTooLong = errors.New("password too long")
)

// DB wraps the SQLite database
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection), serialises every write transaction

	passwordCost int
	dummyHash    []byte // compared against for unknown usernames so both paths cost one bcrypt

	clockMu    sync.Mutex
	lastSentAt int64
}

// Identity is a registered account
type Identity struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    int64 // Unix timestamp in milliseconds
}

// Message is a stored direct message with both parties resolved to usernames
type Message struct {
	ID            int64
	SenderID      int64
	ReceiverID    int64
	Sender        string
	Receiver      string
	Content       *string
	FileReference *string
	SentAt        int64 // Unix timestamp in milliseconds
}

// SentTime returns SentAt as a time.Time
func (m *Message) SentTime() time.Time {
	return time.UnixMilli(m.SentAt)
}

// Open opens the SQLite database at path and applies pending migrations
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(path, "deferred"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// WAL allows many readers alongside the single writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Write transactions take the write lock up front instead of upgrading mid-transaction
	writeConn, err := sql.Open("sqlite", dsn(path, "immediate"))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}
	if err := db.SetPasswordCost(bcrypt.DefaultCost); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// dsn builds a modernc.org/sqlite data source name whose pragmas apply to every pooled connection
func dsn(path, txLock string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=" + txLock
}

// Close closes both connection pools
func (db *DB) Close() error {
	writeErr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return writeErr
}

// SetPasswordCost sets the bcrypt cost used for new password hashes
func (db *DB) SetPasswordCost(cost int) error {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("bcrypt cost %d out of range [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), cost)
	if err != nil {
		return fmt.Errorf("failed to prepare password hashing: %w", err)
	}
	db.passwordCost = cost
	db.dummyHash = dummy
	return nil
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// nextSentAt returns a message timestamp that never goes backwards, even if
// the wall clock does
func (db *DB) nextSentAt() int64 {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()

	now := nowMillis()
	if now < db.lastSentAt {
		now = db.lastSentAt
	}
	db.lastSentAt = now
	return now
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// CreateIdentity registers a new username with a bcrypt hash of password
func (db *DB) CreateIdentity(username, password string) (*Identity, error) {
	start := time.Now()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), db.passwordCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, ErrPasswordTooLong
	}
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	createdAt := nowMillis()
	result, err := db.writeConn.Exec(
		"INSERT INTO Identity (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hash), createdAt,
	)
	if isUniqueViolation(err) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert identity: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"username": username, "elapsed": time.Since(start)}).Debug("Created identity")

	return &Identity{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    createdAt,
	}, nil
}

// GetIdentity looks up an identity by username
func (db *DB) GetIdentity(username string) (*Identity, error) {
	var ident Identity
	err := db.conn.QueryRow(
		"SELECT id, username, password_hash, created_at FROM Identity WHERE username = ?",
		username,
	).Scan(&ident.ID, &ident.Username, &ident.PasswordHash, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

// VerifyCredentials checks password against the stored hash for username
func (db *DB) VerifyCredentials(username, password string) (*Identity, error) {
	ident, err := db.GetIdentity(username)
	if errors.Is(err, ErrIdentityNotFound) {
		bcrypt.CompareHashAndPassword(db.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return ident, nil
}

// CountIdentities returns the number of registered identities
func (db *DB) CountIdentities() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM Identity").Scan(&count)
	return count, err
}

// resolveID looks up an identity id inside a transaction
func resolveID(tx *sql.Tx, username string) (int64, error) {
	var id int64
	err := tx.QueryRow("SELECT id FROM Identity WHERE username = ?", username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrIdentityNotFound, username)
	}
	return id, err
}

// InsertMessage stores a message from sender to receiver.
//
// Name resolution and the insert share one transaction, so an unknown party
// or a failed write leaves no row behind.
func (db *DB) InsertMessage(sender, receiver string, content, fileReference *string) (*Message, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	senderID, err := resolveID(tx, sender)
	if err != nil {
		return nil, err
	}
	receiverID, err := resolveID(tx, receiver)
	if err != nil {
		return nil, err
	}

	sentAt := db.nextSentAt()
	result, err := tx.Exec(
		"INSERT INTO Message (sender_id, receiver_id, content, file_reference, sent_at) VALUES (?, ?, ?, ?, ?)",
		senderID, receiverID, nullString(content), nullString(fileReference), sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &Message{
		ID:            id,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Sender:        sender,
		Receiver:      receiver,
		Content:       content,
		FileReference: fileReference,
		SentAt:        sentAt,
	}, nil
}

// FetchHistory returns every message exchanged between a and b in either
// direction, oldest first
func (db *DB) FetchHistory(a, b string) ([]*Message, error) {
	aIdent, err := db.GetIdentity(a)
	if err != nil {
		return nil, err
	}
	bIdent, err := db.GetIdentity(b)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`
		SELECT m.id, m.sender_id, m.receiver_id, s.username, r.username, m.content, m.file_reference, m.sent_at
		FROM Message m
		JOIN Identity s ON s.id = m.sender_id
		JOIN Identity r ON r.id = m.receiver_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?)
		   OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.sent_at ASC, m.id ASC
	`, aIdent.ID, bIdent.ID, bIdent.ID, aIdent.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	messages := make([]*Message, 0)
	for rows.Next() {
		var (
			msg           Message
			content       sql.NullString
			fileReference sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Sender, &msg.Receiver, &content, &fileReference, &msg.SentAt); err != nil {
			return nil, err
		}
		if content.Valid {
			msg.Content = &content.String
		}
		if fileReference.Valid {
			msg.FileReference = &fileReference.String
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// AddContactEdge records that owner follows target. Re-adding an existing
// edge is a no-op; the returned bool reports whether a new edge was created.
func (db *DB) AddContactEdge(owner, target string) (bool, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ownerID, err := resolveID(tx, owner)
	if err != nil {
		return false, err
	}
	targetID, err := resolveID(tx, target)
	if err != nil {
		return false, err
	}

	result, err := tx.Exec(
		"INSERT OR IGNORE INTO Contact (owner_id, contact_id, created_at) VALUES (?, ?, ?)",
		ownerID, targetID, nowMillis(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert contact: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit contact: %w", err)
	}
	return affected > 0, nil
}

// ListContacts returns the usernames owner follows, in the order they were added
func (db *DB) ListContacts(owner string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT u.username
		FROM Contact c
		JOIN Identity o ON o.id = c.owner_id
		JOIN Identity u ON u.id = c.contact_id
		WHERE o.username = ?
		ORDER BY c.id ASC
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := make([]string, 0)
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		contacts = append(contacts, username)
	}
	return contacts, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
