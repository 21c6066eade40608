package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agentd/agentd/internal/config"
	"github.com/agentd/agentd/internal/event"
	"github.com/agentd/agentd/internal/provider"
	"github.com/agentd/agentd/internal/session"
	"github.com/agentd/agentd/internal/storage"
	"github.com/agentd/agentd/pkg/types"
)

// scriptedAdapter replays a fixed sequence of NormalizedEvent batches,
// one batch per Stream call, so a test can drive a multi-step tool-use
// turn without a real upstream provider.
type scriptedAdapter struct {
	id      string
	batches [][]types.NormalizedEvent
	calls   int
}

func (a *scriptedAdapter) ID() string { return a.id }

func (a *scriptedAdapter) Stream(ctx context.Context, req provider.Request, ch chan<- types.NormalizedEvent) error {
	defer close(ch)
	if req.SystemPrompt == titlePrompt {
		// Title derivation on a session's first message is not part of
		// the scripted turn; returning no text selects the fallback title.
		return nil
	}
	idx := a.calls
	a.calls++
	if idx >= len(a.batches) {
		return nil
	}
	for _, ev := range a.batches[idx] {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// blockingAdapter streams message_start then blocks until ctx is
// canceled, for exercising Cancel(). Title-derivation requests return
// at once with no text.
type blockingAdapter struct{ id string }

func (a *blockingAdapter) ID() string { return a.id }

func (a *blockingAdapter) Stream(ctx context.Context, req provider.Request, ch chan<- types.NormalizedEvent) error {
	defer close(ch)
	if req.SystemPrompt == titlePrompt {
		return nil
	}
	select {
	case ch <- types.NormalizedEvent{Type: types.EventMessageStart, MessageID: "blocked-msg"}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case ch <- types.NormalizedEvent{Type: types.EventTextDelta, Text: "thinking..."}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestEngine(t *testing.T, providerID string, adapter provider.Adapter) (*Engine, *catalog.Catalog) {
	t.Helper()
	st := storage.New(t.TempDir())
	store := session.New(st, 0)
	cat := catalog.New()
	cfg := &config.Config{
		DefaultProvider: providerID,
		DefaultModel:    "test-model",
		Provider:        map[string]config.ProviderConfig{providerID: {APIKey: "test"}},
		IdleEviction:    time.Hour,
	}
	reg := provider.NewRegistry(cfg)
	reg.Register(providerID, adapter)
	e := New(store, cat, reg, cfg, nil)
	t.Cleanup(e.Close)
	return e, cat
}

func echoToolDescriptor() catalog.Descriptor {
	return catalog.Descriptor{
		Name:        "echo",
		Description: "echoes its input",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Safety:      catalog.Safe,
		Execute: func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
			return "ok", false, nil
		},
	}
}

// TestRunTurnEndTurnCompletes covers S1: a simple request/response turn
// with no tool use reaches PhaseCompleted and records the assistant
// message.
func TestRunTurnEndTurnCompletes(t *testing.T) {
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventTextDelta, Text: "hello"},
			{Type: types.EventTextEnd},
			{Type: types.EventUsage, InputTokens: 10, OutputTokens: 5},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, _ := newTestEngine(t, "anthropic", adapter)

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseCompleted {
		t.Errorf("Phase = %q, want completed", sess.Phase)
	}
	if len(sess.Conversation) != 2 {
		t.Fatalf("Conversation len = %d, want 2 (user + assistant)", len(sess.Conversation))
	}
	assistant := sess.Conversation[1]
	if assistant.Role != types.RoleAssistant {
		t.Errorf("second message role = %q, want assistant", assistant.Role)
	}
	if len(assistant.Content) != 1 || assistant.Content[0].Text != "hello" {
		t.Errorf("assistant content = %+v, want single text block \"hello\"", assistant.Content)
	}
	if e.IsActiveTurn(sessionID) {
		t.Error("turn should have ended")
	}
}

// TestRunTurnInteractiveToolUseAwaitsApproval covers S2: a tool_use
// stop in interactive mode parks the turn awaiting a client decision,
// and HandleToolResponse drains and continues it to completion.
func TestRunTurnInteractiveToolUseAwaitsApproval(t *testing.T) {
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventToolUse, ToolUseID: "t1", ToolName: "echo", ToolInput: map[string]any{"x": 1}},
			{Type: types.EventStop, Reason: types.StopToolUse},
		},
		{
			{Type: types.EventMessageStart, MessageID: "m2"},
			{Type: types.EventTextDelta, Text: "done"},
			{Type: types.EventTextEnd},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, cat := newTestEngine(t, "anthropic", adapter)
	cat.Register(echoToolDescriptor())

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseAwaitingTool {
		t.Fatalf("Phase = %q, want awaiting_tool", sess.Phase)
	}
	if len(sess.PendingTools) != 1 || sess.PendingTools[0].ID != "t1" {
		t.Fatalf("PendingTools = %+v, want one entry for t1", sess.PendingTools)
	}

	if err := e.HandleToolResponse(context.Background(), sessionID, "t1", true); err != nil {
		t.Fatalf("HandleToolResponse: %v", err)
	}

	sess, err = e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseCompleted {
		t.Errorf("Phase = %q, want completed after tool response", sess.Phase)
	}
	if len(sess.Conversation) != 4 {
		t.Fatalf("Conversation len = %d, want 4 (user, assistant-tooluse, user-toolresult, assistant-final)", len(sess.Conversation))
	}
	toolResult := sess.Conversation[2]
	if toolResult.Role != types.RoleUser || len(toolResult.Content) != 1 || toolResult.Content[0].Type != types.BlockToolResult {
		t.Errorf("third message = %+v, want a single tool_result block", toolResult)
	}
	if toolResult.Content[0].IsError {
		t.Errorf("tool result IsError = true, want false (echo succeeds)")
	}
}

// TestRunTurnRejectedToolUseReportsError covers a rejected decision
// surfacing as an isError tool_result without ever reaching Execute.
func TestRunTurnRejectedToolUseReportsError(t *testing.T) {
	called := false
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventToolUse, ToolUseID: "t1", ToolName: "echo"},
			{Type: types.EventStop, Reason: types.StopToolUse},
		},
		{
			{Type: types.EventMessageStart, MessageID: "m2"},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, cat := newTestEngine(t, "anthropic", adapter)
	cat.Register(catalog.Descriptor{
		Name: "echo", Safety: catalog.Safe,
		Execute: func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
			called = true
			return "ok", false, nil
		},
	})

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if err := e.HandleToolResponse(context.Background(), sessionID, "t1", false); err != nil {
		t.Fatalf("HandleToolResponse: %v", err)
	}
	if called {
		t.Error("Execute should never run for a rejected tool use")
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	toolResult := sess.Conversation[2]
	if !toolResult.Content[0].IsError {
		t.Error("rejected tool use should produce an isError tool_result")
	}
}

// TestRunTurnMalformedToolInputShortCircuits covers §7: a tool_use
// event carrying a parse error is pre-rejected and never dispatched to
// the catalog.
func TestRunTurnMalformedToolInputShortCircuits(t *testing.T) {
	called := false
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventToolUse, ToolUseID: "t1", ToolName: "echo", Err: &types.ErrorInfo{Kind: "malformed_tool_input", Message: "bad json"}},
			{Type: types.EventStop, Reason: types.StopToolUse},
		},
		{
			{Type: types.EventMessageStart, MessageID: "m2"},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, cat := newTestEngine(t, "anthropic", adapter)
	cat.Register(catalog.Descriptor{
		Name: "echo", Safety: catalog.Safe,
		Execute: func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
			called = true
			return "ok", false, nil
		},
	})

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeAuto})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if called {
		t.Error("Execute should never run for malformed tool input")
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseCompleted {
		t.Fatalf("Phase = %q, want completed (auto mode should continue past the pre-rejected entry)", sess.Phase)
	}
	toolResult := sess.Conversation[2]
	if !toolResult.Content[0].IsError || toolResult.Content[0].Content != "bad json" {
		t.Errorf("tool result = %+v, want isError with the parse error message", toolResult.Content[0])
	}
}

// TestRunTurnAutoModeContinuesAcrossToolUse covers §4.6 step 8: in auto
// mode a safe tool call is approved and executed without a client
// round-trip, looping back into the stream until a non-tool_use stop.
func TestRunTurnAutoModeContinuesAcrossToolUse(t *testing.T) {
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventToolUse, ToolUseID: "t1", ToolName: "echo", ToolInput: map[string]any{"x": 1}},
			{Type: types.EventStop, Reason: types.StopToolUse},
		},
		{
			{Type: types.EventMessageStart, MessageID: "m2"},
			{Type: types.EventTextDelta, Text: "done"},
			{Type: types.EventTextEnd},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, cat := newTestEngine(t, "anthropic", adapter)
	cat.Register(echoToolDescriptor())

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeAuto})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if adapter.calls != 2 {
		t.Fatalf("adapter.calls = %d, want 2 (initial stream + auto-continuation)", adapter.calls)
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseCompleted {
		t.Errorf("Phase = %q, want completed", sess.Phase)
	}
	if len(sess.Conversation) != 4 {
		t.Fatalf("Conversation len = %d, want 4", len(sess.Conversation))
	}
}

// TestRunTurnPersistsProviderAffinity covers session-provider pinning:
// once set, a later RunTurn call on the same session without an
// explicit provider override keeps using the session's provider.
func TestRunTurnPersistsProviderAffinity(t *testing.T) {
	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{{Type: types.EventMessageStart, MessageID: "m1"}, {Type: types.EventStop, Reason: types.StopEndTurn}},
		{{Type: types.EventMessageStart, MessageID: "m2"}, {Type: types.EventStop, Reason: types.StopEndTurn}},
	}}
	e, _ := newTestEngine(t, "anthropic", adapter)

	sessionID, err := e.RunTurn(context.Background(), TurnRequest{Content: "first", WorkingDir: t.TempDir(), Mode: types.ModeInteractive, Provider: "anthropic"})
	if err != nil {
		t.Fatalf("RunTurn 1: %v", err)
	}
	if _, err := e.RunTurn(context.Background(), TurnRequest{SessionID: sessionID, Content: "second", Mode: types.ModeInteractive}); err != nil {
		t.Fatalf("RunTurn 2: %v", err)
	}

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", sess.Provider)
	}
}

// TestCancelSynthesizesFinalMessage covers §4.6's "any state
// -(cancel)-> stopped": canceling a blocked stream persists whatever
// content had accumulated and never stores a continuation handle.
func TestCancelSynthesizesFinalMessage(t *testing.T) {
	adapter := &blockingAdapter{id: "anthropic"}
	e, _ := newTestEngine(t, "anthropic", adapter)

	done := make(chan error, 1)
	go func() {
		_, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive})
		done <- err
	}()

	var sessionID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		for id := range e.turns {
			sessionID = id
		}
		e.mu.Unlock()
		if sessionID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sessionID == "" {
		t.Fatal("turn never became active")
	}

	if err := e.Cancel(context.Background(), sessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done

	sess, err := e.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Phase != types.PhaseStopped {
		t.Errorf("Phase = %q, want stopped", sess.Phase)
	}
	if sess.PreviousResponseID != "" {
		t.Errorf("PreviousResponseID = %q, want empty after cancel", sess.PreviousResponseID)
	}
	if e.IsActiveTurn(sessionID) {
		t.Error("turn should no longer be active after Cancel")
	}
}

// TestHandleToolResponseUnknownID covers the error path for a decision
// on an id the ledger never enqueued.
func TestHandleToolResponseUnknownID(t *testing.T) {
	adapter := &scriptedAdapter{id: "anthropic"}
	e, _ := newTestEngine(t, "anthropic", adapter)
	if err := e.HandleToolResponse(context.Background(), "no-such-session", "missing", true); err == nil {
		t.Error("expected an error for an unknown tool use id")
	}
}

// TestStreamEventsArePublished covers the event-bus forwarding side of
// step 4.6's event-forwarding stage.
func TestStreamEventsArePublished(t *testing.T) {
	event.Reset()
	t.Cleanup(event.Reset)

	var seen []types.NormalizedEvent
	unsub := event.Subscribe(event.StreamEvent, func(e event.Event) {
		data := e.Data.(event.StreamEventData)
		seen = append(seen, data.Event)
	})
	defer unsub()

	adapter := &scriptedAdapter{id: "anthropic", batches: [][]types.NormalizedEvent{
		{
			{Type: types.EventMessageStart, MessageID: "m1"},
			{Type: types.EventTextDelta, Text: "hi"},
			{Type: types.EventTextEnd},
			{Type: types.EventStop, Reason: types.StopEndTurn},
		},
	}}
	e, _ := newTestEngine(t, "anthropic", adapter)

	if _, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive}); err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if len(seen) != 4 {
		t.Fatalf("published %d stream events, want 4", len(seen))
	}
}

// TestCancelDoesNotPublishExtraError covers §4.6/P9: once Cancel has
// claimed a turn, the adapter's resulting ctx-cancel error must not
// surface as a second, spurious agent:error on top of Cancel's own
// stream_complete/status:stopped pair.
func TestCancelDoesNotPublishExtraError(t *testing.T) {
	event.Reset()
	t.Cleanup(event.Reset)

	var errors []event.ErrorEventData
	var phases []types.Phase
	unsubErr := event.Subscribe(event.ErrorEvent, func(e event.Event) {
		errors = append(errors, e.Data.(event.ErrorEventData))
	})
	defer unsubErr()
	unsubPhase := event.Subscribe(event.PhaseChanged, func(e event.Event) {
		phases = append(phases, e.Data.(event.PhaseChangedData).Phase)
	})
	defer unsubPhase()

	adapter := &blockingAdapter{id: "anthropic"}
	e, _ := newTestEngine(t, "anthropic", adapter)

	done := make(chan error, 1)
	go func() {
		_, err := e.RunTurn(context.Background(), TurnRequest{Content: "hi", WorkingDir: t.TempDir(), Mode: types.ModeInteractive})
		done <- err
	}()

	var sessionID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		for id := range e.turns {
			sessionID = id
		}
		e.mu.Unlock()
		if sessionID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sessionID == "" {
		t.Fatal("turn never became active")
	}

	if err := e.Cancel(context.Background(), sessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RunTurn goroutine returned error after cancel: %v", err)
	}

	if len(errors) != 0 {
		t.Errorf("published %d error events after cancel, want 0: %v", len(errors), errors)
	}
	if len(phases) == 0 || phases[len(phases)-1] != types.PhaseStopped {
		t.Errorf("final phase = %v, want last phase stopped", phases)
	}
	for _, p := range phases {
		if p == types.PhaseError {
			t.Errorf("phase sequence %v includes error, want none after cancel", phases)
		}
	}
}
