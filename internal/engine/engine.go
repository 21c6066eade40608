package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agentd/agentd/internal/config"
	"github.com/agentd/agentd/internal/event"
	"github.com/agentd/agentd/internal/executor"
	"github.com/agentd/agentd/internal/ledger"
	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/internal/provider"
	"github.com/agentd/agentd/internal/push"
	"github.com/agentd/agentd/internal/session"
	"github.com/agentd/agentd/pkg/types"
)

const defaultMaxTokens = 4096

// TurnRequest is one inbound agent:message admission (§4.6 step 1).
type TurnRequest struct {
	SessionID  string
	Content    string
	WorkingDir string
	Mode       types.Mode
	Provider   string
	DeviceID   string
}

// activeTurn is the engine's live bookkeeping for one session's
// in-flight turn: the cancel handle for the current adapter stream
// plus the accumulator it is filling, so Cancel can synthesize a
// final message from whatever arrived before it was asked to stop.
// aborted is set by Cancel (guarded by Engine.mu, like the turns map
// itself) so enterStream's forwarding loop can tell a context-cancel
// stop apart from a natural one once Cancel has already claimed and
// finished the turn, and suppress the now-redundant stop path (§4.6,
// P9: no envelope from the cancelled turn follows Cancel's own).
type activeTurn struct {
	cancel  context.CancelFunc
	acc     *accumulator
	aborted bool
}

// Engine is the Turn Engine (C6): the per-session state machine and
// 8-step turn loop described in §4.6, wiring together the Session
// Store, Tool Catalog, Provider Adapter registry, Approval Ledger, and
// the work-plan/push collaborators.
type Engine struct {
	store         *session.Store
	catalog       *catalog.Catalog
	providers     *provider.Registry
	contextLoader *ContextLoader
	push          *push.Dispatcher
	doom          *ledger.DoomLoopDetector
	cfg           *config.Config
	evictor       *evictor

	mu      sync.Mutex
	ledgers map[string]*ledger.Ledger
	turns   map[string]*activeTurn
}

// New wires an Engine from its collaborators. cfg supplies the default
// provider/model and idle-eviction interval.
func New(store *session.Store, cat *catalog.Catalog, providers *provider.Registry, cfg *config.Config, pushDispatcher *push.Dispatcher) *Engine {
	e := &Engine{
		store:         store,
		catalog:       cat,
		providers:     providers,
		contextLoader: NewContextLoader(NewMCPContextSource(cfg.MCPContextCommand, cfg.MCPContextArgs, cfg.MCPContextTool)),
		push:          pushDispatcher,
		doom:          ledger.NewDoomLoopDetector(),
		cfg:           cfg,
		evictor:       newEvictor(cfg.IdleEviction / 4),
		ledgers:       make(map[string]*ledger.Ledger),
		turns:         make(map[string]*activeTurn),
	}
	go e.evictor.Run(func() {
		store.EvictIdle(e.IsActiveTurn)
	})
	return e
}

// WorkPlanStore exposes the engine's work-plan collaborator for
// registration as the work_plan tool's backing store (§4.7).
func (e *Engine) WorkPlanStore() executor.WorkPlanStore {
	return &workPlanStore{store: e.store, push: e.push}
}

// Close stops the background evictor and context-loader watcher.
func (e *Engine) Close() {
	e.evictor.Stop()
	e.contextLoader.Close()
}

// IsActiveTurn reports whether sessionID has a live turn in flight, so
// the Session Store never evicts a session mid-turn (I7).
func (e *Engine) IsActiveTurn(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.turns[sessionID]
	return ok
}

func (e *Engine) sessionLedger(sessionID string) *ledger.Ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	lg, ok := e.ledgers[sessionID]
	if !ok {
		lg = ledger.New()
		e.ledgers[sessionID] = lg
	}
	return lg
}

func (e *Engine) publishPhase(sessionID string, phase types.Phase) {
	_ = e.store.RecordStatus(context.Background(), sessionID, phase)
	event.PublishSync(event.Event{Type: event.PhaseChanged, Data: event.PhaseChangedData{SessionID: sessionID, Phase: phase}})
}

// RunTurn is the admission entry point (§4.6 step 1) for a new inbound
// agent:message. It returns the session id (freshly created if
// req.SessionID was empty) and runs the turn loop through to the next
// terminal or awaiting-tool phase.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest) (string, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		id, err := e.store.CreateSession(ctx, req.WorkingDir, req.Mode)
		if err != nil {
			return "", err
		}
		sessionID = id
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	firstMessage := len(sess.Conversation) == 0

	if req.DeviceID != "" {
		_ = e.store.SetInitiator(ctx, sessionID, req.DeviceID)
	}

	providerID := req.Provider
	if providerID == "" {
		providerID = sess.Provider
	}
	if providerID == "" {
		providerID = e.cfg.DefaultProvider
	}
	if providerID == "" {
		providerID = "anthropic"
	}
	if err := e.store.SetProvider(ctx, sessionID, providerID); err != nil {
		return sessionID, err
	}

	userMsg := types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		CreatedAt: time.Now().UnixMilli(),
		Content:   []types.Block{{Type: types.BlockText, Text: req.Content}},
	}
	if err := e.store.RecordUserMessage(ctx, sessionID, userMsg, req.WorkingDir, req.Mode); err != nil {
		logging.Error().Err(err).Str("session", sessionID).Msg("engine: admission failed")
		return sessionID, err
	}

	if firstMessage {
		var adapter provider.Adapter
		if a, err := e.providers.Get(providerID); err == nil {
			adapter = a
		}
		title := deriveTitle(ctx, adapter, e.cfg.DefaultModel, req.Content)
		_ = e.store.UpdateTitle(ctx, sessionID, title)
		event.PublishSync(event.Event{Type: event.TitleChanged, Data: event.TitleChangedData{SessionID: sessionID, Title: title}})
	}

	e.publishPhase(sessionID, types.PhaseStarting)
	e.publishPhase(sessionID, types.PhaseReady)

	return sessionID, e.enterStream(ctx, sessionID)
}

// enterStream implements §4.6 steps 2 through 6: attach project
// context, roll the cancel handle, open the provider stream, forward
// its events, and handle whatever stop reason it ends on.
func (e *Engine) enterStream(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.ProjectContext == nil {
		if pc := e.contextLoader.Load(ctx, sess.WorkingDir); pc != nil {
			_ = e.store.SetProjectContext(ctx, sessionID, pc)
			sess.ProjectContext = pc
		}
	}

	adapter, err := e.providers.Get(sess.Provider)
	if err != nil {
		logging.Error().Err(err).Str("session", sessionID).Str("provider", sess.Provider).Msg("engine: adapter resolution failed")
		e.publishError(sessionID, "provider_error", err.Error())
		e.publishPhase(sessionID, types.PhaseError)
		e.endTurn(sessionID)
		return err
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	acc := newAccumulator()
	at := &activeTurn{cancel: cancel, acc: acc}
	e.mu.Lock()
	if prev, ok := e.turns[sessionID]; ok {
		prev.cancel()
	}
	e.turns[sessionID] = at
	e.mu.Unlock()

	req := provider.Request{
		Model:              e.cfg.DefaultModel,
		SystemPrompt:       composeSystemPrompt(sess.Provider, sess.WorkingDir, sess.ProjectContext),
		Conversation:       sess.Conversation,
		Tools:              e.toolSpecs(),
		MaxTokens:          defaultMaxTokens,
		PreviousResponseID: sess.PreviousResponseID,
	}

	e.publishPhase(sessionID, types.PhaseStreaming)

	ch := make(chan types.NormalizedEvent, 32)
	streamErr := make(chan error, 1)
	go func() { streamErr <- adapter.Stream(turnCtx, req, ch) }()

	lg := e.sessionLedger(sessionID)
	var stopReason types.StopReason
	var stopErr *types.ErrorInfo

	for ev := range ch {
		event.PublishSync(event.Event{Type: event.StreamEvent, Data: event.StreamEventData{SessionID: sessionID, Event: ev}})
		acc.handle(ev)

		switch ev.Type {
		case types.EventToolUse:
			e.admitToolUse(sessionID, sess.Mode, lg, acc, ev)
		case types.EventStop:
			stopReason = ev.Reason
			stopErr = ev.Err
		}
	}
	if err := <-streamErr; err != nil && stopReason == "" {
		stopReason = types.StopError
		stopErr = &types.ErrorInfo{Kind: "provider_error", Message: err.Error()}
	}

	e.mu.Lock()
	aborted := at.aborted
	e.mu.Unlock()
	if aborted {
		// Cancel already finalized and published this turn's terminal
		// envelopes (stream_complete + status:stopped); the adapter's
		// ctx-cancel-induced error (surfaced here as StopError) is not a
		// second, distinct stop and must not reach handleStop.
		return nil
	}

	return e.handleStop(ctx, sessionID, sess.WorkingDir, sess.Mode, acc, lg, stopReason, stopErr)
}

// admitToolUse enqueues one tool_use event into the Approval Ledger
// (§4.6 step 5), pre-deciding malformed input as rejected and
// auto-approving safe/network tools under auto mode.
func (e *Engine) admitToolUse(sessionID string, mode types.Mode, lg *ledger.Ledger, acc *accumulator, ev types.NormalizedEvent) {
	handle := acc.currentMessageID()

	if ev.Err != nil {
		lg.Enqueue(ledger.Entry{ID: ev.ToolUseID, Name: ev.ToolName, ContinuationHandle: handle, MalformedErr: ev.Err.Message})
		lg.Decide(ev.ToolUseID, false)
		return
	}

	lg.Enqueue(ledger.Entry{ID: ev.ToolUseID, Name: ev.ToolName, Input: ev.ToolInput, ContinuationHandle: handle})
	pending := types.PendingToolRequest{
		ID:                 ev.ToolUseID,
		Name:               ev.ToolName,
		Input:              ev.ToolInput,
		Description:        ev.ToolDescription,
		ContinuationHandle: handle,
		Decision:           types.DecisionUndecided,
	}
	event.PublishSync(event.Event{Type: event.ToolRequested, Data: event.ToolRequestedData{SessionID: sessionID, ToolRequest: pending}})

	if mode == types.ModeAuto && e.catalog.AutoApprove(ev.ToolName, ev.ToolInput) {
		lg.Decide(ev.ToolUseID, true)
	}
}

// handleStop implements §4.6 step 6's per-stop-reason table, plus the
// step 7/8 continuation it triggers on tool_use.
func (e *Engine) handleStop(ctx context.Context, sessionID, workingDir string, mode types.Mode, acc *accumulator, lg *ledger.Ledger, reason types.StopReason, errInfo *types.ErrorInfo) error {
	switch reason {
	case types.StopEndTurn, types.StopMaxTokens, types.StopStopSequence:
		msg := acc.finalize(sessionID)
		_ = e.store.RecordAssistantFinalMessage(ctx, sessionID, msg)
		_ = e.store.SetPreviousResponseID(ctx, sessionID, acc.currentMessageID())
		e.emitStreamComplete(sessionID, msg)
		e.publishPhase(sessionID, types.PhaseCompleted)
		e.endTurn(sessionID)
		return nil

	case types.StopPauseTurn:
		msg := acc.finalize(sessionID)
		_ = e.store.RecordAssistantFinalMessage(ctx, sessionID, msg)
		e.emitStreamComplete(sessionID, msg)
		e.publishPhase(sessionID, types.PhasePaused)
		e.endTurn(sessionID)
		return nil

	case types.StopToolUse:
		msg := acc.finalize(sessionID)
		_ = e.store.RecordAssistantFinalMessage(ctx, sessionID, msg)
		_ = e.store.SetPreviousResponseID(ctx, sessionID, acc.currentMessageID())
		e.syncPendingTools(ctx, sessionID, lg, acc.currentMessageID())
		e.publishPhase(sessionID, types.PhaseAwaitingTool)

		if mode == types.ModeAuto {
			return e.continueAfterToolUse(ctx, sessionID, workingDir, acc.currentMessageID(), lg)
		}
		return nil

	case types.StopAborted:
		// Reached only if an adapter itself emits stop{aborted} (§4.3);
		// a ctx-cancel from Engine.Cancel never reaches here, since
		// enterStream returns early once the turn's aborted flag is set.
		msg := acc.finalize(sessionID)
		_ = e.store.RecordAssistantFinalMessage(ctx, sessionID, msg)
		e.emitStreamComplete(sessionID, msg)
		e.publishPhase(sessionID, types.PhaseStopped)
		e.endTurn(sessionID)
		return nil

	default:
		kind, message := "provider_error", "unknown provider error"
		if errInfo != nil {
			kind, message = errInfo.Kind, errInfo.Message
		}
		if kind != "token_limit" {
			event.PublishSync(event.Event{Type: event.ErrorEvent, Data: event.ErrorEventData{SessionID: sessionID, Error: types.ErrorInfo{Kind: kind, Message: message}}})
		}
		e.publishPhase(sessionID, types.PhaseError)
		e.endTurn(sessionID)
		return fmt.Errorf("%s: %s", kind, message)
	}
}

// continueAfterToolUse implements §4.6 step 8: in auto mode every
// tool_use entry was pre-approved in step 5, so the group is already
// resolved the moment the stream stops; drain and loop back into
// step 4 until a non-tool_use stop reason is reached.
func (e *Engine) continueAfterToolUse(ctx context.Context, sessionID, workingDir, groupKey string, lg *ledger.Ledger) error {
	if !lg.IsGroupResolved(groupKey) {
		// Not every tool in this turn was auto-approvable; fall back to
		// waiting for an explicit client decision like interactive mode.
		return nil
	}
	if err := e.drainAndAppend(ctx, sessionID, workingDir, groupKey, lg); err != nil {
		return err
	}
	return e.enterStream(ctx, sessionID)
}

// HandleToolResponse is the §4.6 step 7 entry point: a client decision
// on one pending tool-use id, arriving as a separate message.
func (e *Engine) HandleToolResponse(ctx context.Context, sessionID, toolUseID string, approved bool) error {
	lg := e.sessionLedger(sessionID)
	lg.Decide(toolUseID, approved)

	entry, ok := lg.Get(toolUseID)
	if !ok {
		return fmt.Errorf("unknown tool use id: %s", toolUseID)
	}
	groupKey := entry.ContinuationHandle

	if !lg.IsGroupResolved(groupKey) {
		e.publishPhase(sessionID, types.PhaseAwaitingTool)
		return nil
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := e.drainAndAppend(ctx, sessionID, sess.WorkingDir, groupKey, lg); err != nil {
		return err
	}
	return e.enterStream(ctx, sessionID)
}

// drainAndAppend runs §4.6 step 7's drain: execute (or reject/report
// malformed) every entry in groupKey, emit a tool_output per result,
// and append the aggregated tool-result user message (I1).
func (e *Engine) drainAndAppend(ctx context.Context, sessionID, workingDir, groupKey string, lg *ledger.Ledger) error {
	entries := lg.DrainGroup(groupKey)
	msg := types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		CreatedAt: time.Now().UnixMilli(),
	}
	for _, en := range entries {
		output, isError := e.runOne(ctx, sessionID, workingDir, en)
		event.PublishSync(event.Event{Type: event.ToolOutput, Data: event.ToolOutputData{
			SessionID: sessionID,
			Output:    types.ToolOutput{ID: ulid.Make().String(), ToolUseID: en.ID, Name: en.Name, Output: output, IsError: isError, Input: en.Input},
		}})
		msg.Content = append(msg.Content, types.Block{Type: types.BlockToolResult, ToolUseID: en.ID, Content: output, IsError: isError})
	}
	if err := e.store.RecordToolOutputMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	return e.store.SetPendingTools(ctx, sessionID, nil)
}

// runOne executes one drained ledger entry, short-circuiting malformed
// input and rejection before ever reaching the Tool Executor (§7).
func (e *Engine) runOne(ctx context.Context, sessionID, workingDir string, en ledger.Entry) (string, bool) {
	if en.MalformedErr != "" {
		return en.MalformedErr, true
	}
	if en.Decision == types.DecisionRejected {
		return "Tool use rejected by user", true
	}
	if e.doom.Check(sessionID, en.Name, en.Input) {
		logging.Warn().Str("session", sessionID).Str("tool", en.Name).Msg("engine: doom loop detected")
		return "this tool call has repeated identically too many times in a row; stopping to avoid an unproductive loop", true
	}
	out, isError, err := e.catalog.Execute(ctx, en.Name, en.Input, catalog.ExecContext{SessionID: sessionID, WorkingDir: workingDir})
	if err != nil {
		return err.Error(), true
	}
	return out, isError
}

// Cancel implements the cancellation semantics of §4.6: abort the
// in-flight stream, clear the current turn's pending-tool ledger, and
// persist a synthesized final message from whatever content arrived.
// No continuation handle is stored.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	at, ok := e.turns[sessionID]
	if ok {
		at.aborted = true
		delete(e.turns, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active turn for session: %s", sessionID)
	}
	at.cancel()

	e.sessionLedger(sessionID).Clear()
	_ = e.store.SetPendingTools(ctx, sessionID, nil)

	msg := at.acc.finalize(sessionID)
	_ = e.store.RecordAssistantFinalMessage(ctx, sessionID, msg)
	e.emitStreamComplete(sessionID, msg)
	e.publishPhase(sessionID, types.PhaseStopped)
	return nil
}

func (e *Engine) endTurn(sessionID string) {
	e.mu.Lock()
	delete(e.turns, sessionID)
	e.mu.Unlock()
}

func (e *Engine) emitStreamComplete(sessionID string, msg types.Message) {
	event.PublishSync(event.Event{Type: event.StreamComplete, Data: event.StreamCompleteData{SessionID: sessionID, FinalMessage: msg}})
}

func (e *Engine) publishError(sessionID, kind, message string) {
	event.PublishSync(event.Event{Type: event.ErrorEvent, Data: event.ErrorEventData{SessionID: sessionID, Error: types.ErrorInfo{Kind: kind, Message: message}}})
}

// syncPendingTools mirrors the ledger's live group onto the session
// snapshot (§3) so a restart can still render what a client is
// waiting on.
func (e *Engine) syncPendingTools(ctx context.Context, sessionID string, lg *ledger.Ledger, groupKey string) {
	entries := lg.PeekGroup(groupKey)
	pending := make([]types.PendingToolRequest, 0, len(entries))
	for _, en := range entries {
		pending = append(pending, types.PendingToolRequest{
			ID: en.ID, Name: en.Name, Input: en.Input, ContinuationHandle: en.ContinuationHandle, Decision: en.Decision,
		})
	}
	_ = e.store.SetPendingTools(ctx, sessionID, pending)
}

// GenerateTitle is the §6 `agent:generate_title`/`POST /generate-title`
// one-shot entry point: derive a title for arbitrary content without an
// associated session or turn.
func (e *Engine) GenerateTitle(ctx context.Context, content string) string {
	adapter, _, err := e.providers.Default()
	if err != nil {
		adapter = nil
	}
	return deriveTitle(ctx, adapter, e.cfg.DefaultModel, content)
}

// toolSpecs projects the catalog into the provider-facing shape.
func (e *Engine) toolSpecs() []provider.ToolSpec {
	descs := e.catalog.List()
	specs := make([]provider.ToolSpec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, provider.ToolSpec{Name: d.Name, Description: d.Description, Schema: d.Schema})
	}
	return specs
}
