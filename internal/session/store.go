// Package session is the Session Store (C1): the authoritative,
// crash-safe record of every conversation and its append-only journal,
// with single-writer-per-session discipline (§4.1).
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentd/agentd/internal/logging"
	"github.com/agentd/agentd/internal/storage"
	"github.com/agentd/agentd/pkg/types"
)

const defaultIdleEviction = 60 * time.Minute

var ErrNotFound = storage.ErrNotFound

// record is the in-memory cache entry for one session: the hydrated
// session plus the per-session lock that serializes every mutation
// (I6) and the idle-eviction clock (I7).
type record struct {
	mu         sync.Mutex
	session    *types.Session
	lastTouch  time.Time
}

// Store persists sessions under <dataRoot>/sessions/... (§6 layout) and
// keeps a bounded in-memory cache of recently active ones. A session
// evicted from the cache is not lost: getSnapshot rehydrates it from
// disk on next reference.
type Store struct {
	storage      *storage.Storage
	idleEviction time.Duration

	mu     sync.Mutex
	active map[string]*record
}

func New(st *storage.Storage, idleEviction time.Duration) *Store {
	if idleEviction <= 0 {
		idleEviction = defaultIdleEviction
	}
	return &Store{storage: st, idleEviction: idleEviction, active: make(map[string]*record)}
}

func (s *Store) log() *zerolog.Logger { return &logging.Logger }

// CreateSession creates a new session in phase "created" (§4.1).
func (s *Store) CreateSession(ctx context.Context, workingDir string, mode types.Mode) (string, error) {
	id := ulid.Make().String()
	now := time.Now()
	sess := &types.Session{
		ID:           id,
		WorkingDir:   workingDir,
		Mode:         mode,
		Phase:        types.PhaseCreated,
		CreatedAt:    now.UnixMilli(),
		LastActivity: now.UnixMilli(),
	}
	rec := &record{session: sess, lastTouch: now}
	s.mu.Lock()
	s.active[id] = rec
	s.mu.Unlock()

	if err := s.commit(ctx, rec); err != nil {
		return "", err
	}
	if err := s.appendIndex(ctx, sess); err != nil {
		s.log().Warn().Err(err).Str("session", id).Msg("index write failed")
	}
	return id, nil
}

// mutate loads (or rehydrates) a session, runs fn under its per-session
// lock, and commits the result. fn may mutate sess in place.
func (s *Store) mutate(ctx context.Context, id string, fn func(sess *types.Session) error) error {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := fn(rec.session); err != nil {
		return err
	}
	rec.session.LastActivity = time.Now().UnixMilli()
	rec.lastTouch = time.Now()
	return s.commit(ctx, rec)
}

func (s *Store) lookup(ctx context.Context, id string) (*record, error) {
	s.mu.Lock()
	rec, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}

	sess, err := s.readSnapshotSession(ctx, id)
	if err != nil {
		return nil, err
	}
	rec = &record{session: sess, lastTouch: time.Now()}
	s.mu.Lock()
	s.active[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// UpdateTitle sets the session title (§4.1, §4.8).
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Title = title
		return nil
	})
}

// RecordUserMessage updates the session's latest mode/workingDir and
// appends a user message (§4.1, admission step 1).
func (s *Store) RecordUserMessage(ctx context.Context, id string, msg types.Message, workingDir string, mode types.Mode) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		if workingDir != "" {
			sess.WorkingDir = workingDir
		}
		if mode != "" {
			sess.Mode = mode
		}
		sess.Conversation = append(sess.Conversation, msg)
		return nil
	})
}

// RecordAssistantFinalMessage merges by id into the existing slot if
// one exists, otherwise appends (I3).
func (s *Store) RecordAssistantFinalMessage(ctx context.Context, id string, msg types.Message) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		for i := range sess.Conversation {
			if sess.Conversation[i].ID == msg.ID && sess.Conversation[i].Role == types.RoleAssistant {
				sess.Conversation[i] = msg
				return nil
			}
		}
		sess.Conversation = append(sess.Conversation, msg)
		return nil
	})
}

// RecordToolOutputMessage appends a tool-result user message (I1).
func (s *Store) RecordToolOutputMessage(ctx context.Context, id string, msg types.Message) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Conversation = append(sess.Conversation, msg)
		return nil
	})
}

// RecordStatus transitions the session's phase.
func (s *Store) RecordStatus(ctx context.Context, id string, phase types.Phase) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Phase = phase
		return nil
	})
}

// SetPreviousResponseID persists the provider continuation handle
// (§4.3.b). Pass "" to clear it (e.g. on cancel, §4.6).
func (s *Store) SetPreviousResponseID(ctx context.Context, id, handle string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.PreviousResponseID = handle
		return nil
	})
}

// SetProjectContext caches the loaded project context; it is only
// attached once per session (§4.6 step 2).
func (s *Store) SetProjectContext(ctx context.Context, id string, pc *types.ProjectContext) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		if sess.ProjectContext == nil {
			sess.ProjectContext = pc
		}
		return nil
	})
}

// SetInitiator records the originating device id; first write only
// (§4.1: "first write only; later writes are ignored").
func (s *Store) SetInitiator(ctx context.Context, id, deviceID string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		if sess.InitiatorDeviceID == "" {
			sess.InitiatorDeviceID = deviceID
		}
		return nil
	})
}

// SetProvider records which provider adapter a turn is using; it is
// read back on every subsequent re-entry into the stream-open step so
// a multi-step tool-use turn never switches adapters mid-flight.
func (s *Store) SetProvider(ctx context.Context, id, providerID string) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.Provider = providerID
		return nil
	})
}

// SetPendingTools mirrors the Approval Ledger's current group onto the
// snapshot so a restart can still render what a client is waiting on.
func (s *Store) SetPendingTools(ctx context.Context, id string, pending []types.PendingToolRequest) error {
	return s.mutate(ctx, id, func(sess *types.Session) error {
		sess.PendingTools = pending
		return nil
	})
}

// MutateWorkPlan runs fn against the session's current work plan
// (nil if none exists yet) under the session's write lock and persists
// whatever fn returns (§4.7, I5, I6).
func (s *Store) MutateWorkPlan(ctx context.Context, id string, fn func(plan *types.WorkPlan) (*types.WorkPlan, error)) (*types.WorkPlan, error) {
	var result *types.WorkPlan
	err := s.mutate(ctx, id, func(sess *types.Session) error {
		plan, err := fn(sess.WorkPlan)
		if err != nil {
			return err
		}
		sess.WorkPlan = plan
		result = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// NextSeq returns and persists the next outbound envelope sequence
// number for id (I2).
func (s *Store) NextSeq(ctx context.Context, id string) (int64, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.session.LastSeq++
	seq := rec.session.LastSeq
	rec.lastTouch = time.Now()
	if err := s.commit(ctx, rec); err != nil {
		return 0, err
	}
	return seq, nil
}

// ClearSession removes a session's snapshot file and index entry.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()

	if err := s.storage.Delete(ctx, []string{"sessions", id, "snapshot"}); err != nil && err != storage.ErrNotFound {
		return err
	}
	return s.removeFromIndex(ctx, id)
}

// GetSession returns a shallow copy of the live session (rehydrating
// from disk if it isn't cached), for components that need the richer
// in-memory shape (mode, project context) that the disk snapshot
// doesn't carry.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	rec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cp := *rec.session
	return &cp, nil
}

// GetSnapshot returns the durable projection of a session, or
// ErrNotFound (§4.1: "snapshot read failure yields not found, never
// throws").
func (s *Store) GetSnapshot(ctx context.Context, id string) (*types.Snapshot, error) {
	s.mu.Lock()
	rec, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		rec.mu.Lock()
		snap := toSnapshot(rec.session)
		rec.mu.Unlock()
		return snap, nil
	}

	var snap types.Snapshot
	if err := s.storage.Get(ctx, []string{"sessions", id, "snapshot"}, &snap); err != nil {
		return nil, ErrNotFound
	}
	return &snap, nil
}

// ListSessions enumerates sessions via the lightweight index,
// optionally filtered to one working directory.
func (s *Store) ListSessions(ctx context.Context, workingDir string) ([]types.SessionIndexItem, error) {
	var idx []types.SessionIndexItem
	if err := s.storage.Get(ctx, []string{"sessions", "index"}, &idx); err != nil {
		if err == storage.ErrNotFound {
			return []types.SessionIndexItem{}, nil
		}
		return nil, err
	}
	if workingDir == "" {
		sortIndex(idx)
		return idx, nil
	}
	out := idx[:0]
	for _, item := range idx {
		if item.WorkingDir == workingDir {
			out = append(out, item)
		}
	}
	sortIndex(out)
	return out, nil
}

func sortIndex(idx []types.SessionIndexItem) {
	sort.Slice(idx, func(i, j int) bool { return idx[i].LastActivity > idx[j].LastActivity })
}

func (s *Store) readSnapshotSession(ctx context.Context, id string) (*types.Session, error) {
	var snap types.Snapshot
	if err := s.storage.Get(ctx, []string{"sessions", id, "snapshot"}, &snap); err != nil {
		return nil, ErrNotFound
	}
	return fromSnapshot(&snap), nil
}

func (s *Store) commit(ctx context.Context, rec *record) error {
	snap := toSnapshot(rec.session)
	if err := s.storage.Put(ctx, []string{"sessions", rec.session.ID, "snapshot"}, snap); err != nil {
		return fmt.Errorf("commit session %s: %w", rec.session.ID, err)
	}
	if err := s.upsertIndex(ctx, rec.session); err != nil {
		s.log().Warn().Err(err).Str("session", rec.session.ID).Msg("index write failed")
	}
	return nil
}

func (s *Store) appendIndex(ctx context.Context, sess *types.Session) error {
	return s.upsertIndex(ctx, sess)
}

func (s *Store) upsertIndex(ctx context.Context, sess *types.Session) error {
	var idx []types.SessionIndexItem
	if err := s.storage.Get(ctx, []string{"sessions", "index"}, &idx); err != nil && err != storage.ErrNotFound {
		return err
	}
	item := types.SessionIndexItem{
		ID:           sess.ID,
		Title:        sess.Title,
		WorkingDir:   sess.WorkingDir,
		Phase:        sess.Phase,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	}
	found := false
	for i := range idx {
		if idx[i].ID == sess.ID {
			idx[i] = item
			found = true
			break
		}
	}
	if !found {
		idx = append(idx, item)
	}
	return s.storage.Put(ctx, []string{"sessions", "index"}, idx)
}

func (s *Store) removeFromIndex(ctx context.Context, id string) error {
	var idx []types.SessionIndexItem
	if err := s.storage.Get(ctx, []string{"sessions", "index"}, &idx); err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	out := idx[:0]
	for _, item := range idx {
		if item.ID != id {
			out = append(out, item)
		}
	}
	return s.storage.Put(ctx, []string{"sessions", "index"}, out)
}

// EvictIdle drops cached sessions whose lastTouch predates the idle
// threshold (I7). Evicting never touches disk state and never
// preempts a session whose skip function reports it is mid-turn.
func (s *Store) EvictIdle(isActiveTurn func(sessionID string) bool) {
	cutoff := time.Now().Add(-s.idleEviction)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.active {
		if rec.lastTouch.After(cutoff) {
			continue
		}
		if isActiveTurn != nil && isActiveTurn(id) {
			continue
		}
		delete(s.active, id)
	}
}
