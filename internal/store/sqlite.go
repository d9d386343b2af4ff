package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaylabs/relay/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// OpenSQLite opens (creating if necessary) a SQLite-backed Stores set.
func OpenSQLite(path string) (*Stores, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The pure-Go driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &sqliteStore{db: db}
	return &Stores{
		Config:   s,
		Models:   s,
		Weights:  s,
		Chunks:   s,
		Sessions: s,
		closer:   db.Close,
	}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT,
			size INTEGER,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			downloaded_at DATETIME,
			is_active INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS model_weights (
			model_id TEXT PRIMARY KEY,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory (
			key TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			text TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_doc ON memory(doc_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_created ON memory(created_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			key TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_timestamp ON sessions(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type sqliteStore struct {
	db *sql.DB
}

// --- ConfigStore ---

func (s *sqliteStore) SetValue(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	return err
}

func (s *sqliteStore) GetValue(ctx context.Context, key string) (json.RawMessage, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(v), nil
}

func (s *sqliteStore) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key)
	return err
}

// --- ModelStore ---

func (s *sqliteStore) PutModel(ctx context.Context, m *models.ModelInfo) error {
	var downloadedAt any
	if m.DownloadedAt != nil {
		downloadedAt = m.DownloadedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, name, category, size, status, progress, downloaded_at, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, category = excluded.category, size = excluded.size,
			status = excluded.status, progress = excluded.progress,
			downloaded_at = excluded.downloaded_at, is_active = excluded.is_active`,
		m.ID, m.Name, m.Category, m.Size, string(m.Status), m.Progress, downloadedAt, boolToInt(m.IsActive))
	return err
}

func (s *sqliteStore) GetModel(ctx context.Context, id string) (*models.ModelInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, size, status, progress, downloaded_at, is_active
		 FROM models WHERE id = ?`, id)
	return scanModel(row)
}

func (s *sqliteStore) ListModels(ctx context.Context) ([]*models.ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, category, size, status, progress, downloaded_at, is_active
		 FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ModelInfo
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ActiveModel(ctx context.Context) (*models.ModelInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, size, status, progress, downloaded_at, is_active
		 FROM models WHERE is_active = 1 LIMIT 1`)
	return scanModel(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*models.ModelInfo, error) {
	var m models.ModelInfo
	var status string
	var downloadedAt sql.NullTime
	var active int
	err := row.Scan(&m.ID, &m.Name, &m.Category, &m.Size, &status, &m.Progress, &downloadedAt, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Status = models.ModelStatus(status)
	if downloadedAt.Valid {
		t := downloadedAt.Time
		m.DownloadedAt = &t
	}
	m.IsActive = active != 0
	return &m, nil
}

// --- WeightStore ---

func (s *sqliteStore) PutWeights(ctx context.Context, modelID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_weights (model_id, data) VALUES (?, ?)
		 ON CONFLICT(model_id) DO UPDATE SET data = excluded.data`,
		modelID, data)
	return err
}

func (s *sqliteStore) GetWeights(ctx context.Context, modelID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM model_weights WHERE model_id = ?`, modelID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *sqliteStore) DeleteWeights(ctx context.Context, modelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM model_weights WHERE model_id = ?`, modelID)
	return err
}

// --- ChunkStore ---

func (s *sqliteStore) PutChunk(ctx context.Context, c *models.MemoryChunk) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory (key, doc_id, idx, text, fingerprint, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			doc_id = excluded.doc_id, idx = excluded.idx, text = excluded.text,
			fingerprint = excluded.fingerprint, metadata = excluded.metadata`,
		c.Key, c.DocID, c.Index, c.Text, c.FingerprintHex, string(meta), c.CreatedAt.UTC())
	return err
}

func (s *sqliteStore) GetChunk(ctx context.Context, key string) (*models.MemoryChunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, doc_id, idx, text, fingerprint, metadata, created_at FROM memory WHERE key = ?`, key)
	return scanChunk(row)
}

func (s *sqliteStore) ListChunks(ctx context.Context) ([]*models.MemoryChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, doc_id, idx, text, fingerprint, metadata, created_at FROM memory ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (s *sqliteStore) RecentChunks(ctx context.Context, n int) ([]*models.MemoryChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, doc_id, idx, text, fingerprint, metadata, created_at
		 FROM memory ORDER BY rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChunks(rows)
}

func (s *sqliteStore) DeleteDoc(ctx context.Context, docID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM memory WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, err
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE doc_id = ?`, docID); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *sqliteStore) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory`).Scan(&n)
	return n, err
}

func collectChunks(rows *sql.Rows) ([]*models.MemoryChunk, error) {
	var out []*models.MemoryChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (*models.MemoryChunk, error) {
	var c models.MemoryChunk
	var meta sql.NullString
	err := row.Scan(&c.Key, &c.DocID, &c.Index, &c.Text, &c.FingerprintHex, &meta, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" && meta.String != "null" {
		if err := json.Unmarshal([]byte(meta.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode chunk metadata: %w", err)
		}
	}
	if fp, err := hex.DecodeString(c.FingerprintHex); err == nil && len(fp) == 16 {
		copy(c.Fingerprint[:], fp)
	}
	return &c, nil
}

// --- SessionStore ---

func (s *sqliteStore) AppendTurn(ctx context.Context, t *models.ConversationTurn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, channel, channel_id, user_id, role, content, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Key, string(t.Channel), t.ChannelID, t.UserID, string(t.Role), t.Content, t.Timestamp.UTC())
	return err
}

func (s *sqliteStore) History(ctx context.Context, channel models.ChannelType, channelID string, limit int) ([]*models.ConversationTurn, error) {
	q := `SELECT key, channel, channel_id, user_id, role, content, timestamp
	      FROM sessions WHERE channel = ? AND channel_id = ? ORDER BY rowid`
	args := []any{string(channel), channelID}
	if limit > 0 {
		// Keep the most recent turns but return them oldest-first.
		q = `SELECT key, channel, channel_id, user_id, role, content, timestamp FROM (
			SELECT key, channel, channel_id, user_id, role, content, timestamp, rowid AS seq
			FROM sessions WHERE channel = ? AND channel_id = ? ORDER BY rowid DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var channel, role string
		if err := rows.Scan(&t.Key, &channel, &t.ChannelID, &t.UserID, &role, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Channel = models.ChannelType(channel)
		t.Role = models.Role(role)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearHistory(ctx context.Context, channel models.ChannelType, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE channel = ? AND channel_id = ?`, string(channel), channelID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
