/*
Package event provides a type-safe pub/sub bus decoupling the Turn
Engine (C6) from the Client Gateway (C7) and HTTP admin surface: the
engine publishes phase/stream/tool/workplan events without knowing
which connections, if any, are listening.

# Architecture

Built on watermill's gochannel for infrastructure while keeping
direct-call semantics so subscribers receive typed payloads instead of
re-decoding JSON.

# Event Types

  - session.created / session.updated / session.deleted — HTTP admin
    surface notifications (§6).
  - phase.changed — one Turn Engine state-machine transition (§4.6),
    destined for agent:status.
  - title.changed — a session title derived or renamed (§4.8),
    destined for agent:title.
  - stream.event — one normalized provider event (§4.3), destined for
    agent:stream_event.
  - tool.requested — a tool-use enqueued in the Approval Ledger and
    awaiting a decision (§4.6 step 5), destined for agent:tool_request.
  - tool.output — one executed or rejected tool result (§4.6 step 7),
    destined for agent:tool_output.
  - stream.complete — a turn's final assistant message, real or
    synthesized on cancel/abort (§4.6), destined for
    agent:stream_complete.
  - workplan.updated — a work-plan create/complete/revise (§4.7).
  - push.dispatched — observability only; push delivery itself never
    surfaces as an engine error (§4.10).
  - error — one of the §7 error kinds surfaced to the client, destined
    for agent:error.

# Basic Usage

Engine-originated events must preserve the turn loop's emission order
(I2/P2: every outbound envelope carries a unique, increasing seq in
the order it was produced), so the engine always publishes through
PublishSync rather than Publish — Publish's per-subscriber goroutine
fan-out makes the gateway's seq assignment and send-buffer enqueue
order nondeterministic.

	event.PublishSync(event.Event{
		Type: event.PhaseChanged,
		Data: event.PhaseChangedData{SessionID: id, Phase: types.PhaseStreaming},
	})

	unsubscribe := event.Subscribe(event.StreamEvent, func(e event.Event) {
		data := e.Data.(event.StreamEventData)
		// forward to the owning connection
	})
	defer unsubscribe()

# Subscriber Safety

PublishSync calls subscribers in the publisher's goroutine. Subscribers
must complete quickly and must never call Publish/PublishSync
re-entrantly.

# Testing

	event.Reset() // clears global bus state between tests
*/
package event
