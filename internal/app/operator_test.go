package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"delta-pyramid-bot/internal/alerts"
	"delta-pyramid-bot/internal/config"
	"delta-pyramid-bot/internal/ledger/sqlite"

	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{}
	cfg.Strategy.Symbol = "BTCUSD"
	return &App{cfg: cfg, store: store, log: zap.NewNop()}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/status now")
	if !ok {
		t.Fatalf("expected ok")
	}
	if cmd != "status" {
		t.Fatalf("expected status, got %s", cmd)
	}
	if len(args) != 1 || args[0] != "now" {
		t.Fatalf("unexpected args: %v", args)
	}
	if _, _, ok := parseOperatorCommand("hello there"); ok {
		t.Fatalf("expected non-command text to be ignored")
	}
	if _, _, ok := parseOperatorCommand("   "); ok {
		t.Fatalf("expected blank text to be ignored")
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	if got := app.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("expected zero offset, got %d", got)
	}
	app.saveOperatorOffset(ctx, 99)
	if got := app.loadOperatorOffset(ctx); got != 99 {
		t.Fatalf("expected offset 99, got %d", got)
	}
}

func TestOperatorStatusWithoutReconciler(t *testing.T) {
	app := newTestApp(t)
	if got := app.operatorStatus(); got != "status unavailable" {
		t.Fatalf("unexpected status: %q", got)
	}
}

func TestOperatorHelpListsCommands(t *testing.T) {
	help := operatorHelpText()
	for _, cmd := range []string{"/status", "/arm", "/disarm", "/flatten"} {
		if !strings.Contains(help, cmd) {
			t.Fatalf("help missing %s:\n%s", cmd, help)
		}
	}
}

func TestHandleOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	allowed := map[int64]struct{}{42: {}}

	wrongChat := alerts.Update{UpdateID: 1, Message: &alerts.Message{
		Chat: &alerts.Chat{ID: 999},
		From: &alerts.User{ID: 42},
		Text: "/flatten",
	}}
	app.handleOperatorUpdate(ctx, wrongChat, 123, allowed)

	wrongUser := alerts.Update{UpdateID: 2, Message: &alerts.Message{
		Chat: &alerts.Chat{ID: 123},
		From: &alerts.User{ID: 7},
		Text: "/flatten",
	}}
	app.handleOperatorUpdate(ctx, wrongUser, 123, allowed)
	// both ignored before command dispatch; a nil reconciler would have
	// panicked if either got through
}
