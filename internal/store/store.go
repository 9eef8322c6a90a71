// Package store persists swap sessions, their execution ledger, and
// sealed secrets in sqlite. It is the single authority for session
// state: all transitions are validated here and serialized per session.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crosslock-exchange/crosslock/internal/secret"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Config holds session-store configuration.
type Config struct {
	// Path is the sqlite database file. ":memory:" is accepted for
	// tests.
	Path string
	// MaxActive bounds concurrently active (non-terminal) sessions.
	MaxActive int
	// SessionTimeout sets each session's expiration relative to its
	// creation.
	SessionTimeout time.Duration
	// Offsets derive the per-session timelocks.
	Offsets session.TimelockOffsets
}

// Store is the sqlite-backed session store.
type Store struct {
	db      *sql.DB
	mu      sync.RWMutex
	cfg     Config
	log     *logging.Logger
	secrets *secret.Store

	locksMu      sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// New opens (creating if needed) the database at cfg.Path and prepares
// the schema.
func New(cfg Config, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 100
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = time.Hour
	}

	path := cfg.Path
	if path != ":memory:" {
		path = expandPath(path)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; funnel everything through a single
	// connection and guard with the store mutex.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:           db,
		cfg:          cfg,
		log:          log.Component("store"),
		sessionLocks: make(map[string]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s.log.Debug("session store ready", "path", cfg.Path, "maxActive", cfg.MaxActive)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		status             TEXT NOT NULL,
		source_chain       TEXT NOT NULL,
		destination_chain  TEXT NOT NULL,
		source_token       TEXT NOT NULL,
		destination_token  TEXT NOT NULL,
		source_amount      TEXT NOT NULL,
		destination_amount TEXT NOT NULL,
		maker              TEXT NOT NULL,
		taker              TEXT NOT NULL,
		slippage_bps       INTEGER NOT NULL DEFAULT 0,
		hashlock           BLOB NOT NULL,
		order_hash         BLOB NOT NULL UNIQUE,
		src_escrow_address TEXT NOT NULL DEFAULT '',
		dst_htlc_handle    TEXT NOT NULL DEFAULT '',
		revealed_secret    BLOB,
		src_deployed_at        INTEGER NOT NULL,
		src_withdrawal         INTEGER NOT NULL,
		src_public_withdrawal  INTEGER NOT NULL,
		src_cancellation       INTEGER NOT NULL,
		dst_deployed_at        INTEGER NOT NULL,
		dst_withdrawal         INTEGER NOT NULL,
		dst_cancellation       INTEGER NOT NULL,
		error_kind         TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		expiration_time    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_expiration ON sessions(expiration_time);

	CREATE TABLE IF NOT EXISTS execution_steps (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		function   TEXT NOT NULL,
		contract   TEXT NOT NULL DEFAULT '',
		params     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		tx_ref     TEXT NOT NULL DEFAULT '',
		escrow_ref TEXT NOT NULL DEFAULT '',
		result     TEXT NOT NULL DEFAULT '',
		error      TEXT NOT NULL DEFAULT '',
		gas_used   INTEGER NOT NULL DEFAULT 0,
		timestamp  INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS encrypted_secrets (
		hashlock   BLOB PRIMARY KEY,
		ciphertext BLOB NOT NULL,
		nonce      BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		used       INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// lockSession returns the mutex serializing mutations for one session
// id, creating it on first use.
func (s *Store) lockSession(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.sessionLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.sessionLocks[id] = mu
	}
	return mu
}

func (s *Store) dropSessionLock(id string) {
	s.locksMu.Lock()
	delete(s.sessionLocks, id)
	s.locksMu.Unlock()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
