package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relaylabs/relay/internal/events"
	"github.com/relaylabs/relay/internal/router"
	"github.com/relaylabs/relay/internal/store"
	"github.com/relaylabs/relay/pkg/models"
)

type echoExecutor struct{}

func (echoExecutor) Stream(ctx context.Context, prompt string) (<-chan router.Chunk, error) {
	ch := make(chan router.Chunk, 1)
	go func() {
		defer close(ch)
		select {
		case ch <- router.Chunk{Token: "echo: " + prompt}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

type nopMemory struct{ cleared []string }

func (m *nopMemory) ClearHistory(_ context.Context, _ models.ChannelType, channelID string) error {
	m.cleared = append(m.cleared, channelID)
	return nil
}

type nopAssembler struct{}

func (nopAssembler) AssembleContext(_ context.Context, message string) (string, error) {
	return message, nil
}

func (nopAssembler) RecordTurn(context.Context, models.ChannelType, string, string, models.Role, string) error {
	return nil
}

// newTestAdapter builds an adapter with a running router but no bot
// connection; only the command and ask paths are exercised.
func newTestAdapter(t *testing.T) (*Adapter, *nopMemory, *store.Stores) {
	t.Helper()
	bus := events.NewBus(nil)
	stores := store.NewMemoryStores()
	mem := &nopMemory{}

	rt := router.New(router.Config{
		RouterConfig: models.RouterConfig{Mode: models.RoutingAuto, Threshold: 6},
		Local:        echoExecutor{},
		Cloud:        echoExecutor{},
		Memory:       nopAssembler{},
		Bus:          bus,
	})
	loaded := true
	rt.SetExecutorStatus(&loaded, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)
	t.Cleanup(func() {
		cancel()
		bus.Close()
	})

	cfg := Config{Token: "unused", ResponseTimeout: 5 * time.Second}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	a := &Adapter{
		config: cfg,
		router: rt,
		bus:    bus,
		memory: mem,
		models: stores.Models,
		logger: cfg.Logger,
	}
	return a, mem, stores
}

func TestHandleCommands(t *testing.T) {
	a, mem, stores := newTestAdapter(t)
	ctx := context.Background()

	if out := a.HandleCommand(ctx, "42", "/start"); !strings.Contains(out, "Hello") {
		t.Errorf("/start = %q", out)
	}
	if out := a.HandleCommand(ctx, "42", "/help"); !strings.Contains(out, "/clear") {
		t.Errorf("/help = %q", out)
	}
	if out := a.HandleCommand(ctx, "42", "/definitely-not-a-command"); out != "Unknown command" {
		t.Errorf("unknown = %q", out)
	}

	if out := a.HandleCommand(ctx, "42", "/clear"); out != "Conversation cleared." {
		t.Errorf("/clear = %q", out)
	}
	if len(mem.cleared) != 1 || mem.cleared[0] != "42" {
		t.Errorf("cleared = %v", mem.cleared)
	}

	if out := a.HandleCommand(ctx, "42", "/model"); out != "No local model is active." {
		t.Errorf("/model = %q", out)
	}
	if err := stores.Models.PutModel(ctx, &models.ModelInfo{
		ID: "phi-3-mini", Name: "Phi-3 Mini", Status: models.ModelCompleted, IsActive: true,
	}); err != nil {
		t.Fatal(err)
	}
	if out := a.HandleCommand(ctx, "42", "/model"); !strings.Contains(out, "phi-3-mini") {
		t.Errorf("/model with active = %q", out)
	}

	if out := a.HandleCommand(ctx, "42", "/status"); !strings.Contains(out, "Queue: 0 waiting") {
		t.Errorf("/status = %q", out)
	}
}

func TestHandleCommandBotSuffix(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if out := a.HandleCommand(context.Background(), "42", "/help@relay_bot"); !strings.Contains(out, "Commands:") {
		t.Errorf("suffixed command = %q", out)
	}
}

func TestAskRoundtrip(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	out := a.Ask(context.Background(), "42", "7", "hello bot")
	if out != "echo: hello bot" {
		t.Errorf("Ask = %q", out)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty token accepted")
	}
	cfg = Config{Token: "t"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.ResponseTimeout == 0 || cfg.Logger == nil {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
