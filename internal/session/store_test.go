package session

import (
	"context"
	"testing"

	"github.com/agentd/agentd/internal/storage"
	"github.com/agentd/agentd/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(storage.New(t.TempDir()), 0)
}

func TestCreateSessionPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "/ws", types.ModeInteractive)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty id")
	}

	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.WorkingDir != "/ws" {
		t.Errorf("WorkingDir = %q, want /ws", snap.WorkingDir)
	}
	if snap.Phase != types.PhaseCreated {
		t.Errorf("Phase = %q, want created", snap.Phase)
	}
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSnapshot(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestRecordUserMessageAppendOnly covers I3 (append, never rewrite)
// and P6 (messageCount after N writes equals N).
func TestRecordUserMessageAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateSession(ctx, "/ws", types.ModeInteractive)

	for i := 0; i < 3; i++ {
		msg := types.Message{ID: ulidLike(i), SessionID: id, Role: types.RoleUser}
		if err := s.RecordUserMessage(ctx, id, msg, "", ""); err != nil {
			t.Fatalf("RecordUserMessage: %v", err)
		}
	}

	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", snap.MessageCount)
	}
}

// TestRecordAssistantFinalMessageMergesByID covers I3's merge-by-id rule (P3).
func TestRecordAssistantFinalMessageMergesByID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateSession(ctx, "/ws", types.ModeInteractive)

	first := types.Message{ID: "m1", SessionID: id, Role: types.RoleAssistant, Content: []types.Block{{Type: types.BlockText, Text: "partial"}}}
	if err := s.RecordAssistantFinalMessage(ctx, id, first); err != nil {
		t.Fatalf("first RecordAssistantFinalMessage: %v", err)
	}
	second := types.Message{ID: "m1", SessionID: id, Role: types.RoleAssistant, Content: []types.Block{{Type: types.BlockText, Text: "final"}}}
	if err := s.RecordAssistantFinalMessage(ctx, id, second); err != nil {
		t.Fatalf("second RecordAssistantFinalMessage: %v", err)
	}

	snap, _ := s.GetSnapshot(ctx, id)
	count := 0
	for _, m := range snap.Conversation.Messages {
		if m.ID == "m1" {
			count++
			if len(m.Content) != 1 || m.Content[0].Text != "final" {
				t.Errorf("expected merged content to be the final message, got %+v", m)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one entry with id m1, got %d", count)
	}
}

func TestNextSeqStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateSession(ctx, "/ws", types.ModeInteractive)

	var prev int64
	for i := 0; i < 5; i++ {
		seq, err := s.NextSeq(ctx, id)
		if err != nil {
			t.Fatalf("NextSeq: %v", err)
		}
		if seq <= prev {
			t.Errorf("seq %d did not increase past %d", seq, prev)
		}
		prev = seq
	}
}

func TestSetInitiatorFirstWriteOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateSession(ctx, "/ws", types.ModeInteractive)

	if err := s.SetInitiator(ctx, id, "device-a"); err != nil {
		t.Fatalf("SetInitiator: %v", err)
	}
	if err := s.SetInitiator(ctx, id, "device-b"); err != nil {
		t.Fatalf("SetInitiator: %v", err)
	}

	snap, _ := s.GetSnapshot(ctx, id)
	if snap.InitiatorDeviceID != "device-a" {
		t.Errorf("InitiatorDeviceID = %q, want device-a", snap.InitiatorDeviceID)
	}
}

func TestClearSessionRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.CreateSession(ctx, "/ws", types.ModeInteractive)

	if err := s.ClearSession(ctx, id); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, id); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}
	items, err := s.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, it := range items {
		if it.ID == id {
			t.Errorf("expected %s to be removed from index", id)
		}
	}
}

func ulidLike(i int) string {
	return string(rune('a' + i))
}
