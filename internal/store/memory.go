package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/relaylabs/relay/pkg/models"
)

// NewMemoryStores creates an all-in-memory Stores set.
func NewMemoryStores() *Stores {
	return &Stores{
		Config:   &memConfig{values: map[string]json.RawMessage{}},
		Models:   &memModels{models: map[string]*models.ModelInfo{}},
		Weights:  &memWeights{blobs: map[string][]byte{}},
		Chunks:   &memChunks{chunks: map[string]*models.MemoryChunk{}},
		Sessions: &memSessions{},
	}
}

type memConfig struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func (s *memConfig) SetValue(_ context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *memConfig) GetValue(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *memConfig) DeleteValue(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

type memModels struct {
	mu     sync.RWMutex
	models map[string]*models.ModelInfo
}

func (s *memModels) PutModel(_ context.Context, m *models.ModelInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *memModels) GetModel(_ context.Context, id string) (*models.ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memModels) ListModels(_ context.Context) ([]*models.ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ModelInfo, 0, len(s.models))
	for _, m := range s.models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memModels) DeleteModel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, id)
	return nil
}

func (s *memModels) ActiveModel(_ context.Context) (*models.ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.models {
		if m.IsActive {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type memWeights struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func (s *memWeights) PutWeights(_ context.Context, modelID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[modelID] = append([]byte(nil), data...)
	return nil
}

func (s *memWeights) GetWeights(_ context.Context, modelID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[modelID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *memWeights) DeleteWeights(_ context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, modelID)
	return nil
}

type memChunks struct {
	mu     sync.RWMutex
	chunks map[string]*models.MemoryChunk
	order  []string
}

func (s *memChunks) PutChunk(_ context.Context, c *models.MemoryChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.chunks[c.Key]; !exists {
		s.order = append(s.order, c.Key)
	}
	cp := *c
	s.chunks[c.Key] = &cp
	return nil
}

func (s *memChunks) GetChunk(_ context.Context, key string) (*models.MemoryChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memChunks) ListChunks(_ context.Context) ([]*models.MemoryChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MemoryChunk, 0, len(s.order))
	for _, key := range s.order {
		if c, ok := s.chunks[key]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memChunks) RecentChunks(_ context.Context, n int) ([]*models.MemoryChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.MemoryChunk, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		if c, ok := s.chunks[s.order[i]]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memChunks) DeleteDoc(_ context.Context, docID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted []string
	kept := s.order[:0]
	for _, key := range s.order {
		c, ok := s.chunks[key]
		if ok && c.DocID == docID {
			delete(s.chunks, key)
			deleted = append(deleted, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	return deleted, nil
}

func (s *memChunks) CountChunks(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

type memSessions struct {
	mu    sync.RWMutex
	turns []*models.ConversationTurn
}

func (s *memSessions) AppendTurn(_ context.Context, t *models.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.turns = append(s.turns, &cp)
	return nil
}

func (s *memSessions) History(_ context.Context, channel models.ChannelType, channelID string, limit int) ([]*models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConversationTurn
	for _, t := range s.turns {
		if t.Channel == channel && t.ChannelID == channelID {
			cp := *t
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memSessions) ClearHistory(_ context.Context, channel models.ChannelType, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.turns[:0]
	for _, t := range s.turns {
		if t.Channel == channel && t.ChannelID == channelID {
			continue
		}
		kept = append(kept, t)
	}
	s.turns = kept
	return nil
}
