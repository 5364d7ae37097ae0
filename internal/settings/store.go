// Package settings persists runtime-tunable values in sqlite. Readers treat a
// missing key as "use the default".
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tickflow/logger"
)

// Keys read by the service.
const (
	KeyShowDebugPanel      = "show_debug_panel"
	KeyAutoRefreshInterval = "auto_refresh_interval"
	KeyMaxTicksDisplay     = "max_ticks_display"
	KeyEnableNotifications = "enable_notifications"
	KeyTheme               = "theme"
	KeyTelegramEnabled     = "telegram_enabled"
	KeyTelegramInterval    = "telegram_notification_interval"
	KeyTelegramBotToken    = "telegram_bot_token"
	KeyTelegramChatID      = "telegram_chat_id"
	KeyVenueAppID          = "deriv_app_id"
	KeyDefaultMarket       = "default_market"
)

var ErrNotFound = errors.New("setting not found")

// Setting is one stored row.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Defaults are inserted on open without overwriting existing rows. Secrets
// default to empty and come from the environment.
func Defaults() []Setting {
	return []Setting{
		{Key: KeyShowDebugPanel, Value: "true", Description: "Show the debug panel on the dashboard"},
		{Key: KeyAutoRefreshInterval, Value: "5000", Description: "Dashboard auto refresh interval (ms)"},
		{Key: KeyMaxTicksDisplay, Value: "100", Description: "Maximum number of ticks returned to pollers"},
		{Key: KeyEnableNotifications, Value: "true", Description: "Enable notifications"},
		{Key: KeyTheme, Value: "dark", Description: "Interface theme (dark/light)"},
		{Key: KeyTelegramEnabled, Value: "true", Description: "Enable Telegram notifications"},
		{Key: KeyTelegramInterval, Value: "30", Description: "Minimum seconds between Telegram notifications"},
		{Key: KeyTelegramBotToken, Value: "", Description: "Telegram bot token"},
		{Key: KeyTelegramChatID, Value: "", Description: "Telegram chat id"},
		{Key: KeyVenueAppID, Value: "", Description: "Venue application id"},
		{Key: KeyDefaultMarket, Value: "R_100", Description: "Symbol selected by default"},
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS user_settings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT UNIQUE NOT NULL,
	value TEXT NOT NULL,
	description TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);`

// Store is a sqlite-backed key/value table with a read-through cache.
type Store struct {
	db  *sql.DB
	log *logger.Log

	mu    sync.RWMutex
	cache map[string]string
}

// Open creates the table when missing, seeds defaults and loads the cache.
func Open(ctx context.Context, path string, defaults []Setting, log *logger.Log) (*Store, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	// a single connection keeps in-memory databases shared across calls
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping settings db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		log.WithComponent("settings").WithError(err).Warn("failed to set WAL mode")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create user_settings: %w", err)
	}
	for _, d := range defaults {
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_settings (key, value, description) VALUES (?, ?, ?)`,
			d.Key, d.Value, d.Description); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed setting %s: %w", d.Key, err)
		}
	}

	s := &Store{db: db, log: log, cache: make(map[string]string)}
	if err := s.reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.WithComponent("settings").WithFields(logger.Fields{"path": path, "keys": len(s.cache)}).Info("settings store opened")
	return s, nil
}

func (s *Store) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM user_settings`)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan setting: %w", err)
		}
		cache[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored row for key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Setting, error) {
	var (
		st      Setting
		desc    sql.NullString
		updated sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, description, updated_at FROM user_settings WHERE key = ?`, key).
		Scan(&st.Key, &st.Value, &desc, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, ErrNotFound
	}
	if err != nil {
		return Setting{}, fmt.Errorf("get setting %s: %w", key, err)
	}
	st.Description = desc.String
	st.UpdatedAt = parseTimestamp(updated.String)
	return st, nil
}

// Set upserts key. An empty description keeps the stored one.
func (s *Store) Set(ctx context.Context, key, value, description string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("setting key is required")
	}
	var desc any
	if description != "" {
		desc = description
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (key, value, description) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, user_settings.description),
			updated_at = CURRENT_TIMESTAMP`, key, value, desc)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	s.log.WithComponent("settings").WithFields(logger.Fields{"key": key}).Info("setting updated")
	return nil
}

// Delete removes key. It returns ErrNotFound when nothing was deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// List returns every row ordered by key.
func (s *Store) List(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, description, updated_at FROM user_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			st      Setting
			desc    sql.NullString
			updated sql.NullString
		)
		if err := rows.Scan(&st.Key, &st.Value, &desc, &updated); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		st.Description = desc.String
		st.UpdatedAt = parseTimestamp(updated.String)
		out = append(out, st)
	}
	return out, rows.Err()
}

// All returns every value typed: "true"/"false" become bools, digit strings
// become ints, everything else stays a string.
func (s *Store) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.cache))
	for k, v := range s.cache {
		out[k] = typed(v)
	}
	return out
}

// Keys returns the cached keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *Store) lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[key]
	return v, ok
}

// String returns the cached value or def.
func (s *Store) String(key, def string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	return def
}

func (s *Store) Int(key string, def int) int {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Duration reads an integer count of unit.
func (s *Store) Duration(key string, unit, def time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * unit
}

func typed(v string) any {
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	if v != "" && strings.Trim(v, "0123456789") == "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return v
}

// Sensitive reports keys whose values must not be echoed to clients.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "token") || strings.Contains(k, "secret")
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
