package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

// backends returns both implementations so every test runs against each.
func backends(t *testing.T) map[string]*Stores {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]*Stores{
		"memory": NewMemoryStores(),
		"sqlite": sqlite,
	}
}

func TestConfigRoundtrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Config.GetValue(ctx, "missing"); err != ErrNotFound {
				t.Errorf("GetValue(missing) = %v, want ErrNotFound", err)
			}

			in := json.RawMessage(`{"mode":"auto","threshold":6}`)
			if err := s.Config.SetValue(ctx, "routing", in); err != nil {
				t.Fatalf("SetValue: %v", err)
			}
			out, err := s.Config.GetValue(ctx, "routing")
			if err != nil {
				t.Fatalf("GetValue: %v", err)
			}
			if string(out) != string(in) {
				t.Errorf("GetValue = %s, want %s", out, in)
			}

			if err := s.Config.DeleteValue(ctx, "routing"); err != nil {
				t.Fatalf("DeleteValue: %v", err)
			}
			if _, err := s.Config.GetValue(ctx, "routing"); err != ErrNotFound {
				t.Errorf("after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestModelLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC().Truncate(time.Second)
			m := &models.ModelInfo{
				ID:           "phi-3-mini",
				Name:         "Phi-3 Mini",
				Category:     "chat",
				Size:         2_300_000_000,
				Status:       models.ModelCompleted,
				Progress:     100,
				DownloadedAt: &now,
				IsActive:     true,
			}
			if err := s.Models.PutModel(ctx, m); err != nil {
				t.Fatalf("PutModel: %v", err)
			}

			got, err := s.Models.GetModel(ctx, "phi-3-mini")
			if err != nil {
				t.Fatalf("GetModel: %v", err)
			}
			if got.Name != m.Name || got.Status != m.Status || got.Progress != 100 || !got.IsActive {
				t.Errorf("GetModel = %+v", got)
			}

			active, err := s.Models.ActiveModel(ctx)
			if err != nil || active.ID != "phi-3-mini" {
				t.Errorf("ActiveModel = %+v, %v", active, err)
			}

			list, err := s.Models.ListModels(ctx)
			if err != nil || len(list) != 1 {
				t.Errorf("ListModels = %v, %v", list, err)
			}

			if err := s.Models.DeleteModel(ctx, "phi-3-mini"); err != nil {
				t.Fatalf("DeleteModel: %v", err)
			}
			if _, err := s.Models.ActiveModel(ctx); err != ErrNotFound {
				t.Errorf("ActiveModel after delete: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestWeightsRoundtrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			blob := []byte{0x00, 0x01, 0xfe, 0xff}
			if err := s.Weights.PutWeights(ctx, "m1", blob); err != nil {
				t.Fatalf("PutWeights: %v", err)
			}
			got, err := s.Weights.GetWeights(ctx, "m1")
			if err != nil {
				t.Fatalf("GetWeights: %v", err)
			}
			if string(got) != string(blob) {
				t.Errorf("GetWeights = %v, want %v", got, blob)
			}
			if _, err := s.Weights.GetWeights(ctx, "nope"); err != ErrNotFound {
				t.Errorf("missing weights: %v, want ErrNotFound", err)
			}
		})
	}
}

func TestChunkStoreOrderingAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				doc := "doc-a"
				if i >= 3 {
					doc = "doc-b"
				}
				c := &models.MemoryChunk{
					Key:            fmt.Sprintf("%s_chunk_%d", doc, i),
					DocID:          doc,
					Index:          i,
					Text:           fmt.Sprintf("chunk number %d", i),
					FingerprintHex: fmt.Sprintf("%032x", i),
					CreatedAt:      time.Now().UTC(),
				}
				if err := s.Chunks.PutChunk(ctx, c); err != nil {
					t.Fatalf("PutChunk: %v", err)
				}
			}

			all, err := s.Chunks.ListChunks(ctx)
			if err != nil {
				t.Fatalf("ListChunks: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("ListChunks len = %d, want 5", len(all))
			}
			// Insertion order must be stable for deterministic tie-breaks.
			for i, c := range all {
				if c.Index != i {
					t.Errorf("chunk %d has index %d", i, c.Index)
				}
			}

			recent, err := s.Chunks.RecentChunks(ctx, 2)
			if err != nil || len(recent) != 2 {
				t.Fatalf("RecentChunks = %v, %v", recent, err)
			}
			if recent[0].Index != 4 || recent[1].Index != 3 {
				t.Errorf("RecentChunks order = %d, %d", recent[0].Index, recent[1].Index)
			}

			deleted, err := s.Chunks.DeleteDoc(ctx, "doc-a")
			if err != nil {
				t.Fatalf("DeleteDoc: %v", err)
			}
			if len(deleted) != 3 {
				t.Errorf("DeleteDoc removed %d keys, want 3", len(deleted))
			}
			n, err := s.Chunks.CountChunks(ctx)
			if err != nil || n != 2 {
				t.Errorf("CountChunks = %d, %v; want 2", n, err)
			}
		})
	}
}

func TestSessionHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 4; i++ {
				role := models.RoleUser
				if i%2 == 1 {
					role = models.RoleAssistant
				}
				turn := &models.ConversationTurn{
					Key:       fmt.Sprintf("sess1_%d", base.Add(time.Duration(i)*time.Second).UnixMilli()),
					Channel:   models.ChannelWeb,
					ChannelID: "conn-1",
					UserID:    "u1",
					Role:      role,
					Content:   fmt.Sprintf("turn %d", i),
					Timestamp: base.Add(time.Duration(i) * time.Second),
				}
				if err := s.Sessions.AppendTurn(ctx, turn); err != nil {
					t.Fatalf("AppendTurn: %v", err)
				}
			}

			hist, err := s.Sessions.History(ctx, models.ChannelWeb, "conn-1", 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(hist) != 4 {
				t.Fatalf("History len = %d, want 4", len(hist))
			}
			for i := 1; i < len(hist); i++ {
				if hist[i].Timestamp.Before(hist[i-1].Timestamp) {
					t.Errorf("history not oldest-first at %d", i)
				}
			}

			limited, err := s.Sessions.History(ctx, models.ChannelWeb, "conn-1", 2)
			if err != nil || len(limited) != 2 {
				t.Fatalf("History(limit=2) = %v, %v", limited, err)
			}
			if limited[0].Content != "turn 2" || limited[1].Content != "turn 3" {
				t.Errorf("limited history = %q, %q", limited[0].Content, limited[1].Content)
			}

			if err := s.Sessions.ClearHistory(ctx, models.ChannelWeb, "conn-1"); err != nil {
				t.Fatalf("ClearHistory: %v", err)
			}
			hist, err = s.Sessions.History(ctx, models.ChannelWeb, "conn-1", 0)
			if err != nil || len(hist) != 0 {
				t.Errorf("history after clear = %v, %v", hist, err)
			}
		})
	}
}
