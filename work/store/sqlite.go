package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tpbinge-proxy/work/logger"
	"tpbinge-proxy/work/metrics"
	"tpbinge-proxy/work/types"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore is the durable credential store. It carries the same contract as
// MemoryStore but sessions survive process restarts, so devices stay logged in
// across deploys. Same-key mutation is serialized by running each merge as a
// single UPDATE statement; SQLite's row locking does the rest.
type SQLiteStore struct {
	db     *sql.DB
	log    *logger.Logger
	stopCh chan struct{}
}

// OpenSQLite opens (creating if needed) the session database at path with WAL
// mode and runs the embedded migrations.
func OpenSQLite(path string, log *logger.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open with optimized pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{
		db:     db,
		log:    log,
		stopCh: make(chan struct{}),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	// sessions that survived a restart are still active
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err == nil {
		metrics.ActiveSessions.Set(float64(count))
	}

	log.Info("session database opened with WAL mode: %s", path)
	return s, nil
}

// migrate runs all embedded migration files that have not been applied yet.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g., "001_initial_schema.sql" -> 1)
		var version int
		fmt.Sscanf(entry.Name(), "%d_", &version)

		var exists bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// loginRecord is the persisted shape of LoginData: the interpreted fields plus
// the opaque provider body, so nothing the provider returned is lost on restart.
type loginRecord struct {
	types.LoginData
	Raw json.RawMessage `json:"raw,omitempty"`
}

func marshalLogin(ld *types.LoginData) (sql.NullString, error) {
	if ld == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(loginRecord{LoginData: *ld, Raw: ld.Raw})
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode login data: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalLogin(ns sql.NullString) (*types.LoginData, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var rec loginRecord
	if err := json.Unmarshal([]byte(ns.String), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode login data: %w", err)
	}
	ld := rec.LoginData
	ld.Raw = rec.Raw
	return &ld, nil
}

// StartSweeper runs SweepExpired on the given interval until Close is called.
func (s *SQLiteStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := s.SweepExpired(); n > 0 {
					s.log.Info("swept %d expired session(s)", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// CreateSession inserts the session, failing if the device already has one.
func (s *SQLiteStore) CreateSession(sess *types.Session) (*types.Session, error) {
	record := *sess
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	login, err := marshalLogin(record.LoginData)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (device_id, anonymous_id, mobile_number, login_data, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.DeviceID, record.AnonymousID, record.MobileNumber, login,
		record.CreatedAt.Unix(), record.ExpiresAt.Unix(),
	)
	if err != nil {
		// unique constraint covers the duplicate-device case
		return nil, fmt.Errorf("session already exists for device %s: %w", record.DeviceID, err)
	}
	metrics.ActiveSessions.Inc()
	return &record, nil
}

// GetSession returns the session for the device, lazily evicting it when its
// expiry has passed.
func (s *SQLiteStore) GetSession(deviceID string) (*types.Session, bool) {
	sess, err := s.scanSession(deviceID)
	if err != nil || sess == nil {
		if err != nil {
			s.log.Error("failed to read session for %s: %v", deviceID, err)
		}
		return nil, false
	}

	if sess.Expired(time.Now()) {
		s.DeleteSession(deviceID)
		return nil, false
	}
	return sess, true
}

func (s *SQLiteStore) scanSession(deviceID string) (*types.Session, error) {
	var (
		sess      types.Session
		login     sql.NullString
		createdAt int64
		expiresAt int64
	)

	err := s.db.QueryRow(`
		SELECT device_id, anonymous_id, mobile_number, login_data, created_at, expires_at
		FROM sessions WHERE device_id = ?`, deviceID,
	).Scan(&sess.DeviceID, &sess.AnonymousID, &sess.MobileNumber, &login, &createdAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	if sess.LoginData, err = unmarshalLogin(login); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession merges the update in a single UPDATE statement, so two
// concurrent merges for one device serialize on the row instead of clobbering
// each other's fields.
func (s *SQLiteStore) UpdateSession(deviceID string, upd SessionUpdate) (*types.Session, bool) {
	var login sql.NullString
	if upd.LoginData != nil {
		var err error
		if login, err = marshalLogin(upd.LoginData); err != nil {
			s.log.Error("failed to encode login data for %s: %v", deviceID, err)
			return nil, false
		}
	}

	var mobile sql.NullString
	if upd.MobileNumber != nil {
		mobile = sql.NullString{String: *upd.MobileNumber, Valid: true}
	}

	var expires sql.NullInt64
	if upd.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: upd.ExpiresAt.Unix(), Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE sessions SET
			mobile_number = COALESCE(?, mobile_number),
			login_data    = COALESCE(?, login_data),
			expires_at    = COALESCE(?, expires_at)
		WHERE device_id = ?`,
		mobile, login, expires, deviceID,
	)
	if err != nil {
		s.log.Error("failed to update session for %s: %v", deviceID, err)
		return nil, false
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false
	}

	sess, err := s.scanSession(deviceID)
	if err != nil || sess == nil {
		return nil, false
	}
	return sess, true
}

// DeleteSession removes the session, reporting whether one existed.
func (s *SQLiteStore) DeleteSession(deviceID string) bool {
	res, err := s.db.Exec("DELETE FROM sessions WHERE device_id = ?", deviceID)
	if err != nil {
		s.log.Error("failed to delete session for %s: %v", deviceID, err)
		return false
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		metrics.ActiveSessions.Dec()
	}
	return n > 0
}

// GetCachedURL returns the cached manifest URL for the channel, if any.
func (s *SQLiteStore) GetCachedURL(channelID string) (*types.CachedURL, bool) {
	var (
		entry     types.CachedURL
		updatedAt int64
	)

	err := s.db.QueryRow(
		"SELECT channel_id, url, updated_at FROM cached_urls WHERE channel_id = ?", channelID,
	).Scan(&entry.ChannelID, &entry.URL, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.log.Error("failed to read cached url for %s: %v", channelID, err)
		return nil, false
	}

	entry.UpdatedAt = time.Unix(updatedAt, 0)
	return &entry, true
}

// SetCachedURL upserts the cached URL for the channel and stamps the write time.
func (s *SQLiteStore) SetCachedURL(channelID, url string) *types.CachedURL {
	now := time.Now()

	_, err := s.db.Exec(`
		INSERT INTO cached_urls (channel_id, url, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			url = excluded.url,
			updated_at = excluded.updated_at`,
		channelID, url, now.Unix(),
	)
	if err != nil {
		s.log.Error("failed to cache url for %s: %v", channelID, err)
	}

	return &types.CachedURL{ChannelID: channelID, URL: url, UpdatedAt: now}
}

// SweepExpired deletes every session past its expiry in one statement.
func (s *SQLiteStore) SweepExpired() int {
	res, err := s.db.Exec("DELETE FROM sessions WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		s.log.Error("sweep failed: %v", err)
		return 0
	}
	n, _ := res.RowsAffected()
	metrics.ActiveSessions.Sub(float64(n))
	return int(n)
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	return s.db.Close()
}
