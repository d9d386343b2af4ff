// Package memory implements the memory engine: sentence-aware chunking,
// content-addressed storage with integrity verification, keyword-weighted
// retrieval and conversation turn history.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaylabs/relay/internal/store"
	"github.com/relaylabs/relay/pkg/models"
)

const (
	contextHeader    = "--- MEMORY CONTEXT ---"
	contextFooter    = "--- END MEMORY CONTEXT ---"
	contextSeparator = "\n\n---\n\n"
	requestPrefix    = "Current request: "
)

// ErrIntegrity reports a chunk whose stored fingerprint does not match
// its text.
var ErrIntegrity = errors.New("memory integrity error")

// Config tunes the engine.
type Config struct {
	// ChunkSize is the target chunk length in words.
	ChunkSize int

	// TopK is the default retrieval result count.
	TopK int

	// MinScore is the relevance cutoff for TF-IDF retrieval.
	MinScore float64

	// CacheSize bounds the recency cache.
	CacheSize int
}

// Engine owns the chunk collection and the session history.
type Engine struct {
	chunks   store.ChunkStore
	sessions store.SessionStore
	cfg      Config
	cache    *chunkCache
	logger   *slog.Logger

	// corpus is a write-through snapshot of all chunks in insertion
	// order, so retrieval does not rescan the store on every query.
	corpusMu    sync.Mutex
	corpus      []*models.MemoryChunk
	corpusValid bool

	// lastTurn tracks the newest timestamp per (channel, channelID) so
	// stored turn timestamps never go backwards.
	turnMu   sync.Mutex
	lastTurn map[string]time.Time
}

// NewEngine creates a memory engine over the given stores.
func NewEngine(chunks store.ChunkStore, sessions store.SessionStore, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = DefaultMinScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		chunks:   chunks,
		sessions: sessions,
		cfg:      cfg,
		cache:    newChunkCache(cfg.CacheSize),
		logger:   logger.With("component", "memory"),
		lastTurn: make(map[string]time.Time),
	}
}

// WarmCache loads the most recent chunks into the cache on cold start.
func (e *Engine) WarmCache(ctx context.Context) error {
	recent, err := e.chunks.RecentChunks(ctx, e.cache.max)
	if err != nil {
		return err
	}
	for i := len(recent) - 1; i >= 0; i-- {
		e.cache.put(recent[i])
	}
	return nil
}

// StoreDocument chunks text, fingerprints each chunk and persists them
// all under docID. Returns the created chunks in order.
func (e *Engine) StoreDocument(ctx context.Context, docID, text string, metadata map[string]string) ([]*models.MemoryChunk, error) {
	pieces := ChunkText(text, e.cfg.ChunkSize)
	if len(pieces) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]*models.MemoryChunk, 0, len(pieces))
	for i, piece := range pieces {
		fp := ComputeFingerprint(piece)
		chunk := &models.MemoryChunk{
			Key:            fmt.Sprintf("%s_chunk_%d", docID, i),
			DocID:          docID,
			Index:          i,
			Text:           piece,
			Fingerprint:    fp,
			FingerprintHex: fp.Hex(),
			Metadata:       metadata,
			CreatedAt:      now,
		}
		if err := e.chunks.PutChunk(ctx, chunk); err != nil {
			return out, fmt.Errorf("store chunk %s: %w", chunk.Key, err)
		}
		e.cache.put(chunk)
		out = append(out, chunk)
	}

	e.invalidateCorpus()
	e.logger.Debug("stored document", "doc_id", docID, "chunks", len(out))
	return out, nil
}

// ClearDocument removes every chunk of a document from store and cache.
func (e *Engine) ClearDocument(ctx context.Context, docID string) error {
	keys, err := e.chunks.DeleteDoc(ctx, docID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		e.cache.delete(k)
	}
	e.invalidateCorpus()
	return nil
}

// GetChunk reads one chunk, preferring the cache.
func (e *Engine) GetChunk(ctx context.Context, key string) (*models.MemoryChunk, error) {
	if c, ok := e.cache.get(key); ok {
		return c, nil
	}
	c, err := e.chunks.GetChunk(ctx, key)
	if err != nil {
		return nil, err
	}
	e.cache.put(c)
	return c, nil
}

func (e *Engine) invalidateCorpus() {
	e.corpusMu.Lock()
	e.corpusValid = false
	e.corpus = nil
	e.corpusMu.Unlock()
}

// loadCorpus returns all chunks in insertion order, from the snapshot
// when it is still valid.
func (e *Engine) loadCorpus(ctx context.Context) ([]*models.MemoryChunk, error) {
	e.corpusMu.Lock()
	defer e.corpusMu.Unlock()
	if e.corpusValid {
		return e.corpus, nil
	}
	all, err := e.chunks.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	e.corpus = all
	e.corpusValid = true
	return all, nil
}

// prepare converts chunks into scoring records, dropping any chunk that
// fails integrity verification.
func (e *Engine) prepare(chunks []*models.MemoryChunk) []scoredChunk {
	out := make([]scoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if ComputeFingerprint(c.Text).Hex() != c.FingerprintHex {
			e.logger.Warn("excluding corrupt chunk from retrieval", "key", c.Key)
			continue
		}
		tokens := tokenize(c.Text)
		out = append(out, scoredChunk{
			text:   c.Text,
			title:  c.Metadata["title"],
			tokens: counts(tokens),
			total:  len(tokens),
		})
	}
	return out
}

// Retrieve returns the texts of the top-K chunks for the query using
// TF-IDF scoring. Ties are stable by insertion order.
func (e *Engine) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		k = e.cfg.TopK
	}
	all, err := e.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	corpus := e.prepare(all)
	if len(corpus) == 0 {
		return nil, nil
	}

	scores := tfidfScores(query, corpus)
	type hit struct {
		idx   int
		score float64
	}
	var hits []hit
	for i, s := range scores {
		if s >= e.cfg.MinScore {
			hits = append(hits, hit{idx: i, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = corpus[h.idx].text
	}
	return out, nil
}

// RetrieveSimple is the fallback retrieval path: set-overlap scoring with
// square-root length normalization. This is the path AssembleContext
// uses; deterministic and stable under ties.
func (e *Engine) RetrieveSimple(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 {
		k = e.cfg.TopK
	}
	all, err := e.loadCorpus(ctx)
	if err != nil {
		return nil, err
	}
	corpus := e.prepare(all)
	if len(corpus) == 0 {
		return nil, nil
	}

	queryCounts := counts(tokenize(query))
	type hit struct {
		idx   int
		score float64
	}
	var hits []hit
	for i, c := range corpus {
		if s := overlapScore(queryCounts, c); s > 0 {
			hits = append(hits, hit{idx: i, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = corpus[h.idx].text
	}
	return out, nil
}

// AssembleContext wraps retrieved chunks in the memory-context markers
// and appends the original message. With no retrieved chunks the message
// is returned unchanged.
func (e *Engine) AssembleContext(ctx context.Context, message string) (string, error) {
	chunks, err := e.RetrieveSimple(ctx, message, e.cfg.TopK)
	if err != nil {
		return message, err
	}
	if len(chunks) == 0 {
		return message, nil
	}

	var sb strings.Builder
	sb.WriteString(contextHeader)
	sb.WriteString("\n")
	sb.WriteString(strings.Join(chunks, contextSeparator))
	sb.WriteString("\n")
	sb.WriteString(contextFooter)
	sb.WriteString("\n\n")
	sb.WriteString(requestPrefix)
	sb.WriteString(message)
	return sb.String(), nil
}

// RecordTurn appends one conversation turn. Timestamps within a
// (channel, channelID) pair never go backwards.
func (e *Engine) RecordTurn(ctx context.Context, channel models.ChannelType, channelID, userID string, role models.Role, content string) error {
	pairKey := string(channel) + ":" + channelID

	e.turnMu.Lock()
	now := time.Now().UTC()
	if last, ok := e.lastTurn[pairKey]; ok && now.Before(last) {
		now = last
	}
	e.lastTurn[pairKey] = now
	e.turnMu.Unlock()

	turn := &models.ConversationTurn{
		Key:       fmt.Sprintf("%s_%d", channelID, now.UnixNano()),
		Channel:   channel,
		ChannelID: channelID,
		UserID:    userID,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	return e.sessions.AppendTurn(ctx, turn)
}

// History replays stored turns oldest-first.
func (e *Engine) History(ctx context.Context, channel models.ChannelType, channelID string, limit int) ([]*models.ConversationTurn, error) {
	return e.sessions.History(ctx, channel, channelID, limit)
}

// ClearHistory drops the stored turns of one conversation.
func (e *Engine) ClearHistory(ctx context.Context, channel models.ChannelType, channelID string) error {
	return e.sessions.ClearHistory(ctx, channel, channelID)
}

// Verify recomputes the fingerprint of one stored chunk and checks it
// against the stored value.
func (e *Engine) Verify(ctx context.Context, key string) error {
	c, err := e.chunks.GetChunk(ctx, key)
	if err != nil {
		return err
	}
	if ComputeFingerprint(c.Text).Hex() != c.FingerprintHex {
		return fmt.Errorf("%w: chunk %s", ErrIntegrity, key)
	}
	return nil
}

// VerifyAll sweeps every stored chunk.
func (e *Engine) VerifyAll(ctx context.Context) (*models.VerifyReport, error) {
	all, err := e.chunks.ListChunks(ctx)
	if err != nil {
		return nil, err
	}

	report := &models.VerifyReport{Total: len(all)}
	for _, c := range all {
		if ComputeFingerprint(c.Text).Hex() == c.FingerprintHex {
			report.Valid++
			continue
		}
		report.Invalid++
		report.Errors = append(report.Errors, models.VerifyError{
			Key:     c.Key,
			Message: "fingerprint mismatch",
		})
	}
	return report, nil
}

// CountChunks reports the stored chunk count.
func (e *Engine) CountChunks(ctx context.Context) (int, error) {
	return e.chunks.CountChunks(ctx)
}
