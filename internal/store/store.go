// Package store persists runtime state: configuration values, model
// metadata, model weights, memory chunks and session turns.
//
// Two backends are provided: a SQLite database for durable deployments and
// an in-memory implementation for tests and ephemeral runs.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relaylabs/relay/pkg/models"
)

var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = errors.New("not found")
)

// ConfigStore is a durable string-keyed JSON value store.
type ConfigStore interface {
	SetValue(ctx context.Context, key string, value json.RawMessage) error
	GetValue(ctx context.Context, key string) (json.RawMessage, error)
	DeleteValue(ctx context.Context, key string) error
}

// ModelStore persists curated model metadata.
type ModelStore interface {
	PutModel(ctx context.Context, m *models.ModelInfo) error
	GetModel(ctx context.Context, id string) (*models.ModelInfo, error)
	ListModels(ctx context.Context) ([]*models.ModelInfo, error)
	DeleteModel(ctx context.Context, id string) error

	// ActiveModel returns the model marked active, or ErrNotFound.
	ActiveModel(ctx context.Context) (*models.ModelInfo, error)
}

// WeightStore persists opaque model weight blobs keyed by model ID.
type WeightStore interface {
	PutWeights(ctx context.Context, modelID string, data []byte) error
	GetWeights(ctx context.Context, modelID string) ([]byte, error)
	DeleteWeights(ctx context.Context, modelID string) error
}

// ChunkStore persists memory chunks. Chunks are immutable once written;
// PutChunk replaces an existing key wholesale.
type ChunkStore interface {
	PutChunk(ctx context.Context, c *models.MemoryChunk) error
	GetChunk(ctx context.Context, key string) (*models.MemoryChunk, error)

	// ListChunks returns every stored chunk in insertion order.
	ListChunks(ctx context.Context) ([]*models.MemoryChunk, error)

	// RecentChunks returns up to n chunks, most recent first.
	RecentChunks(ctx context.Context, n int) ([]*models.MemoryChunk, error)

	// DeleteDoc removes every chunk of a document and returns the
	// deleted keys.
	DeleteDoc(ctx context.Context, docID string) ([]string, error)

	CountChunks(ctx context.Context) (int, error)
}

// SessionStore persists conversation turns.
type SessionStore interface {
	AppendTurn(ctx context.Context, t *models.ConversationTurn) error

	// History returns up to limit turns for a (channel, channelID) pair,
	// oldest first. limit <= 0 means no limit.
	History(ctx context.Context, channel models.ChannelType, channelID string, limit int) ([]*models.ConversationTurn, error)

	// ClearHistory removes all turns for a (channel, channelID) pair.
	ClearHistory(ctx context.Context, channel models.ChannelType, channelID string) error
}

// Stores groups the five collections behind one handle.
type Stores struct {
	Config   ConfigStore
	Models   ModelStore
	Weights  WeightStore
	Chunks   ChunkStore
	Sessions SessionStore

	closer func() error
}

// Close releases backend resources.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
