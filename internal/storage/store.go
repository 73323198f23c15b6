package storage

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// applicationID tags the file header ("bsht") and doubles as the first write
// that takes the exclusive lock.
const applicationID = 0x62736874

// Store is the single-writer SQLite store behind every other component.
// All access goes through one pooled connection opened in exclusive locking
// mode, so transactions are serialized and a second opener fails fast.
type Store struct {
	db   *sqlx.DB
	path string
	now  func() time.Time
}

// NewStore opens (creating if needed) the store at dbPath, applies pending
// migrations and verifies the file. It returns ErrLocked when another
// connection already holds the file and ErrCorrupt when the file is damaged.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	// locking_mode must precede journal_mode so WAL never needs shared memory.
	dsn := fmt.Sprintf("%s?_pragma=locking_mode(EXCLUSIVE)&_pragma=busy_timeout(0)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The lock lives on the connection; recycling it would release the lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, path: dbPath, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("connect %s: %w", s.path, classify(err))
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA application_id = %d", applicationID)); err != nil {
		return fmt.Errorf("claim %s: %w", s.path, classify(err))
	}
	if err := s.migrate(); err != nil {
		return err
	}

	var check string
	if err := s.db.Get(&check, "PRAGMA quick_check"); err != nil {
		return fmt.Errorf("integrity check: %w", classify(err))
	}
	if check != "ok" {
		return fmt.Errorf("%w: integrity check reported %q", ErrCorrupt, check)
	}

	if _, err := s.db.Exec(
		`INSERT INTO store_meta (key, value) VALUES ('opened_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		s.now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record open: %w", classify(err))
	}
	return nil
}

// migrate runs the embedded migrations against the store's own connection.
// The migrate instance is not closed: its driver would close the shared *sql.DB.
func (s *Store) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", classify(err))
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	err = m.Up()
	switch {
	case err == nil:
		version, _, _ := m.Version()
		log.WithField("version", version).Debug("store schema migrated")
	case errors.Is(err, migrate.ErrNoChange):
	default:
		var dirty migrate.ErrDirty
		if errors.As(err, &dirty) {
			return fmt.Errorf("%w: schema version %d left dirty", ErrCorrupt, dirty.Version)
		}
		return fmt.Errorf("migrate schema: %w", classify(err))
	}
	return nil
}

// Path returns the file the store was opened from.
func (s *Store) Path() string {
	return s.path
}

// Close releases the connection and with it the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset deletes every feed, category and post in one transaction.
func (s *Store) Reset() error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin reset: %w", classify(err))
	}
	defer tx.Rollback()

	for _, table := range []string{"posts", "feeds", "categories"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("reset %s: %w", table, classify(err))
		}
	}
	return classify(tx.Commit())
}

// Remove deletes a store file together with its WAL and shared-memory
// siblings. It is the recovery path for a store reported as ErrCorrupt and
// must not be called while the store is open.
func Remove(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
