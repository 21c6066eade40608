package session

import (
	"time"

	"github.com/agentd/agentd/pkg/types"
)

// toSnapshot projects the in-memory session into the durable §6 shape:
// ISO8601 timestamps, a message count, and the conversation wrapped in
// ConversationBox.
func toSnapshot(sess *types.Session) *types.Snapshot {
	return &types.Snapshot{
		ID:                 sess.ID,
		Title:              sess.Title,
		CreatedAt:          time.UnixMilli(sess.CreatedAt).UTC().Format(time.RFC3339),
		LastActivity:       time.UnixMilli(sess.LastActivity).UTC().Format(time.RFC3339),
		MessageCount:       len(sess.Conversation),
		WorkingDir:         sess.WorkingDir,
		MaxMode:            sess.Mode == types.ModeAuto,
		Phase:              sess.Phase,
		Provider:           sess.Provider,
		PendingTools:       sess.PendingTools,
		InitiatorDeviceID:  sess.InitiatorDeviceID,
		PreviousResponseID: sess.PreviousResponseID,
		WorkPlan:           sess.WorkPlan,
		Conversation:       types.ConversationBox{Messages: sess.Conversation},
		LastSeq:            sess.LastSeq,
	}
}

// fromSnapshot rehydrates a session from its disk projection.
func fromSnapshot(snap *types.Snapshot) *types.Session {
	mode := types.ModeInteractive
	if snap.MaxMode {
		mode = types.ModeAuto
	}
	createdAt := parseTime(snap.CreatedAt)
	lastActivity := parseTime(snap.LastActivity)
	return &types.Session{
		ID:                 snap.ID,
		WorkingDir:         snap.WorkingDir,
		Mode:               mode,
		Phase:              snap.Phase,
		Title:              snap.Title,
		Provider:           snap.Provider,
		CreatedAt:          createdAt,
		LastActivity:       lastActivity,
		Conversation:       snap.Conversation.Messages,
		WorkPlan:           snap.WorkPlan,
		LastSeq:            snap.LastSeq,
		PreviousResponseID: snap.PreviousResponseID,
		InitiatorDeviceID:  snap.InitiatorDeviceID,
		PendingTools:       snap.PendingTools,
	}
}

func parseTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
