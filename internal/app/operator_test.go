package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"zs-hedge-bot/internal/alerts"
	"zs-hedge-bot/internal/config"
	"zs-hedge-bot/internal/state"
	"zs-hedge-bot/internal/strategy"

	"go.uber.org/zap"
)

type fakeChannel struct {
	mu      sync.Mutex
	sent    []string
	updates []alerts.Update
}

func (f *fakeChannel) Send(ctx context.Context, message string) error {
	f.mu.Lock()
	f.sent = append(f.sent, message)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error) {
	f.mu.Lock()
	out := f.updates
	f.updates = nil
	f.mu.Unlock()
	if len(out) == 0 {
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return out, nil
}

func newOperatorApp(t *testing.T) (*App, *harness, *fakeChannel) {
	t.Helper()
	h := newHarness(t, ControllerConfig{}, zeroDetector())
	ch := &fakeChannel{}
	app := &App{
		cfg:        &config.Config{},
		log:        zap.NewNop(),
		store:      h.store,
		alerts:     ch,
		controller: h.ctrl,
	}
	return app, h, ch
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
	if cmd, _, ok := parseOperatorCommand("/Pause@hedge_bot"); !ok || cmd != "pause" {
		t.Fatalf("expected pause from addressed command, got %q %v", cmd, ok)
	}
	if _, _, ok := parseOperatorCommand("hello"); ok {
		t.Fatalf("expected plain text ignored")
	}
}

func TestOperatorPauseResumeAudit(t *testing.T) {
	app, h, _ := newOperatorApp(t)
	ctx := context.Background()
	meta := operatorMeta{UpdateID: 1, UserID: 1, ChatID: 2, Raw: "/pause"}

	if resp := app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "trading paused, open pairs still close" {
		t.Fatalf("unexpected pause response: %s", resp)
	}
	if !h.ctrl.isPaused() {
		t.Fatalf("expected paused")
	}
	meta.UpdateID = 2
	if resp := app.handleOperatorCommand(ctx, "pause", nil, meta); resp != "trading already paused" {
		t.Fatalf("unexpected repeated pause response: %s", resp)
	}

	meta.UpdateID = 3
	meta.Raw = "/resume"
	if resp := app.handleOperatorCommand(ctx, "resume", nil, meta); resp != "trading resumed" {
		t.Fatalf("unexpected resume response: %s", resp)
	}
	if h.ctrl.isPaused() {
		t.Fatalf("expected resumed")
	}

	events, err := state.RecentAudit(ctx, h.store, 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 audit events, got %d", len(events))
	}
	if last := events[2]; last.Action != "resume" || last.StateBefore != "paused" || last.StateAfter != "active" {
		t.Fatalf("unexpected audit event %+v", last)
	}
}

func TestOperatorHaltRequest(t *testing.T) {
	app, h, _ := newOperatorApp(t)
	ctx := context.Background()
	resp := app.handleOperatorCommand(ctx, "halt", []string{"venue", "maintenance"}, operatorMeta{UserID: 1, Raw: "/halt venue maintenance"})
	if !strings.HasPrefix(resp, "halt requested") {
		t.Fatalf("unexpected halt response: %s", resp)
	}
	h.ctrl.onTick(ctx)
	if got := h.ctrl.State(); got != strategy.StateHalted {
		t.Fatalf("expected HALTED, got %s", got)
	}
	if snap := h.saved(t); snap.HaltReason != "operator halt: venue maintenance" {
		t.Fatalf("unexpected halt reason %q", snap.HaltReason)
	}
}

func TestOperatorStatusAndAudit(t *testing.T) {
	app, _, _ := newOperatorApp(t)
	ctx := context.Background()
	status := app.handleOperatorCommand(ctx, "status", nil, operatorMeta{})
	for _, want := range []string{"instrument: " + testInstrument, "state: IDLE", "paused: false"} {
		if !strings.Contains(status, want) {
			t.Fatalf("expected %q in status:\n%s", want, status)
		}
	}
	if resp := app.handleOperatorCommand(ctx, "audit", nil, operatorMeta{}); resp != "no operator actions recorded" {
		t.Fatalf("unexpected empty audit: %s", resp)
	}
	app.handleOperatorCommand(ctx, "pause", nil, operatorMeta{UserID: 7, Username: "ops", Raw: "/pause"})
	if resp := app.handleOperatorCommand(ctx, "audit", nil, operatorMeta{}); !strings.Contains(resp, "pause by ops (active -> paused)") {
		t.Fatalf("unexpected audit listing: %s", resp)
	}
	if resp := app.handleOperatorCommand(ctx, "bogus", nil, operatorMeta{}); !strings.Contains(resp, "/halt") {
		t.Fatalf("expected help text, got %s", resp)
	}
}

func TestOperatorUpdateFiltersChatAndUser(t *testing.T) {
	app, h, ch := newOperatorApp(t)
	ctx := context.Background()
	allowed := map[int64]struct{}{9: {}}
	msg := func(chat, user int64, text string) alerts.Update {
		return alerts.Update{UpdateID: 1, Message: &alerts.Message{Text: text, Chat: &alerts.Chat{ID: chat}, From: &alerts.User{ID: user}}}
	}

	app.handleOperatorUpdate(ctx, msg(555, 9, "/pause"), 123, allowed)
	app.handleOperatorUpdate(ctx, msg(123, 8, "/pause"), 123, allowed)
	if h.ctrl.isPaused() {
		t.Fatalf("expected foreign chat and user ignored")
	}
	app.handleOperatorUpdate(ctx, msg(123, 9, "/pause"), 123, allowed)
	if !h.ctrl.isPaused() {
		t.Fatalf("expected allowed user to pause")
	}
	if len(ch.sent) != 1 {
		t.Fatalf("expected one response, got %v", ch.sent)
	}
}

func TestOperatorLoopPersistsOffset(t *testing.T) {
	app, h, ch := newOperatorApp(t)
	ch.updates = []alerts.Update{
		{UpdateID: 40, Message: &alerts.Message{Text: "/resume", Chat: &alerts.Chat{ID: 123}, From: &alerts.User{ID: 9}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		app.operatorLoop(ctx, 123, nil, 5*time.Millisecond)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for state.LoadOperatorOffset(context.Background(), h.store) != 41 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("offset not persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
