package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/relaylabs/relay/internal/store"
	"github.com/relaylabs/relay/pkg/models"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *store.Stores) {
	t.Helper()
	s := store.NewMemoryStores()
	return NewEngine(s.Chunks, s.Sessions, cfg, nil), s
}

func TestStoreDocumentFingerprints(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 5})

	chunks, err := e.StoreDocument(ctx, "doc1", "Alpha beta gamma. Delta epsilon zeta eta. Theta.", nil)
	if err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	for _, c := range chunks {
		if ComputeFingerprint(c.Text).Hex() != c.FingerprintHex {
			t.Errorf("chunk %s fingerprint mismatch", c.Key)
		}
		if !strings.HasPrefix(c.Key, "doc1_chunk_") {
			t.Errorf("chunk key %q", c.Key)
		}
	}
}

func TestVerifyAllDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t, Config{ChunkSize: 1})

	if _, err := e.StoreDocument(ctx, "d", "A. B. C.", nil); err != nil {
		t.Fatalf("StoreDocument: %v", err)
	}

	report, err := e.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if report.Total != 3 || report.Valid != 3 || report.Invalid != 0 {
		t.Fatalf("clean report = %+v", report)
	}

	// Corrupt one chunk out-of-band: rewrite its text but keep the old
	// fingerprint.
	victim, err := s.Chunks.GetChunk(ctx, "d_chunk_1")
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	victim.Text = "tampered"
	if err := s.Chunks.PutChunk(ctx, victim); err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	e.invalidateCorpus()
	e.cache.delete(victim.Key)

	report, err = e.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if report.Valid != 2 || report.Invalid != 1 {
		t.Fatalf("corrupt report = %+v", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].Key != "d_chunk_1" {
		t.Fatalf("errors = %+v", report.Errors)
	}

	// The corrupt chunk must be excluded from retrieval.
	hits, err := e.RetrieveSimple(ctx, "tampered", 5)
	if err != nil {
		t.Fatalf("RetrieveSimple: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("corrupt chunk served from retrieval: %q", hits)
	}

	if err := e.Verify(ctx, "d_chunk_0"); err != nil {
		t.Errorf("Verify(valid) = %v", err)
	}
	if err := e.Verify(ctx, "d_chunk_1"); err == nil {
		t.Error("Verify(corrupt) = nil, want error")
	}
}

func TestRetrieveRanksRelevantChunks(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 50, MinScore: 0.0001})

	docs := map[string]string{
		"cooking": "Simmer the onions slowly. Add garlic and butter to the pan.",
		"golang":  "Goroutines are lightweight threads. Channels move data between goroutines safely.",
		"space":   "The telescope observed a distant galaxy. Starlight bends around massive objects.",
	}
	for id, text := range docs {
		if _, err := e.StoreDocument(ctx, id, text, map[string]string{"title": id}); err != nil {
			t.Fatalf("StoreDocument(%s): %v", id, err)
		}
	}

	hits, err := e.Retrieve(ctx, "goroutines channels data", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if !strings.Contains(strings.ToLower(hits[0]), "goroutines") {
		t.Errorf("top hit = %q", hits[0])
	}
}

func TestRetrieveVerbatimBoost(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 50})

	// Chunk "a" is shorter, so its term frequency is higher; chunk "b"
	// contains the query verbatim and must win on the x2 boost alone.
	docs := map[string]string{
		"a":       "Credentials rotate occasionally.",
		"b":       "Please rotate credentials every quarter.",
		"filler1": "Gardening tips for tomato plants in summer.",
		"filler2": "Completely different topic about sailing boats.",
	}
	for id, text := range docs {
		if _, err := e.StoreDocument(ctx, id, text, nil); err != nil {
			t.Fatalf("StoreDocument(%s): %v", id, err)
		}
	}

	hits, err := e.Retrieve(ctx, "rotate credentials", 4)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %q, want the two credential chunks", hits)
	}
	if !strings.Contains(hits[0], "every quarter") {
		t.Errorf("verbatim match not boosted to top: %q", hits[0])
	}
}

func TestOverlapScoreMonotone(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 50})

	if _, err := e.StoreDocument(ctx, "base", "The scheduler preempts background tasks quickly.", nil); err != nil {
		t.Fatal(err)
	}
	before, err := e.RetrieveSimple(ctx, "scheduler preempts", 10)
	if err != nil || len(before) != 1 {
		t.Fatalf("before = %q, %v", before, err)
	}

	// Adding an unrelated chunk must not make the original stop matching.
	if _, err := e.StoreDocument(ctx, "extra", "Completely unrelated gardening advice about tomato plants.", nil); err != nil {
		t.Fatal(err)
	}
	after, err := e.RetrieveSimple(ctx, "scheduler preempts", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) < 1 || after[0] != before[0] {
		t.Errorf("previously-matching chunk lost: %q", after)
	}
}

func TestAssembleContext(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 50})

	// Nothing stored: message passes through unchanged.
	out, err := e.AssembleContext(ctx, "what is the plan?")
	if err != nil {
		t.Fatalf("AssembleContext: %v", err)
	}
	if out != "what is the plan?" {
		t.Errorf("empty-store assembly = %q", out)
	}

	if _, err := e.StoreDocument(ctx, "plan", "The deployment plan ships on Friday. Rollback stays ready.", nil); err != nil {
		t.Fatal(err)
	}

	out, err = e.AssembleContext(ctx, "what is the deployment plan?")
	if err != nil {
		t.Fatalf("AssembleContext: %v", err)
	}
	for _, want := range []string{
		"--- MEMORY CONTEXT ---",
		"--- END MEMORY CONTEXT ---",
		"Current request: what is the deployment plan?",
		"deployment plan ships",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("assembled context missing %q:\n%s", want, out)
		}
	}
}

func TestRecordTurnMonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	for i := 0; i < 10; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		if err := e.RecordTurn(ctx, models.ChannelTelegram, "chat-9", "u1", role, "msg"); err != nil {
			t.Fatalf("RecordTurn: %v", err)
		}
	}

	hist, err := e.History(ctx, models.ChannelTelegram, "chat-9", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 10 {
		t.Fatalf("history len = %d", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
			t.Fatalf("timestamp regression at %d", i)
		}
	}
}

func TestClearDocumentInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ChunkSize: 2})

	if _, err := e.StoreDocument(ctx, "gone", "One two. Three four.", nil); err != nil {
		t.Fatal(err)
	}
	if e.cache.len() == 0 {
		t.Fatal("cache empty after store")
	}

	if err := e.ClearDocument(ctx, "gone"); err != nil {
		t.Fatalf("ClearDocument: %v", err)
	}
	if _, err := e.GetChunk(ctx, "gone_chunk_0"); err == nil {
		t.Error("chunk still readable after ClearDocument")
	}

	hits, err := e.RetrieveSimple(ctx, "one two three", 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("retrieval after clear = %q, %v", hits, err)
	}
}

func TestWarmCache(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStores()
	e1 := NewEngine(s.Chunks, s.Sessions, Config{ChunkSize: 2}, nil)
	if _, err := e1.StoreDocument(ctx, "warm", "One two. Three four.", nil); err != nil {
		t.Fatal(err)
	}

	// Fresh engine over the same store: cold cache, then warm it.
	e2 := NewEngine(s.Chunks, s.Sessions, Config{ChunkSize: 2}, nil)
	if err := e2.WarmCache(ctx); err != nil {
		t.Fatalf("WarmCache: %v", err)
	}
	if e2.cache.len() != 2 {
		t.Errorf("cache len = %d, want 2", e2.cache.len())
	}
}
