package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentd/agentd/internal/event"
	"github.com/agentd/agentd/internal/executor"
	"github.com/agentd/agentd/internal/push"
	"github.com/agentd/agentd/internal/session"
	"github.com/agentd/agentd/pkg/types"
)

// workPlanStore adapts the Session Store into executor.WorkPlanStore
// and fans out the §4.10 push notifications the spec ties to work-plan
// mutations.
type workPlanStore struct {
	store *session.Store
	push  *push.Dispatcher
}

var _ executor.WorkPlanStore = (*workPlanStore)(nil)

// CreatePlan replaces the plan, sorts by order, and announces step 1.
func (w *workPlanStore) CreatePlan(sessionID string, items []types.WorkPlanItem) (*types.WorkPlan, error) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Order < items[j].Order })
	now := time.Now().UnixMilli()
	plan := &types.WorkPlan{CreatedAt: now, UpdatedAt: now, Items: items}

	out, err := w.store.MutateWorkPlan(context.Background(), sessionID, func(_ *types.WorkPlan) (*types.WorkPlan, error) {
		return plan, nil
	})
	if err != nil {
		return nil, err
	}

	event.PublishSync(event.Event{Type: event.WorkPlanEvent, Data: event.WorkPlanEventData{SessionID: sessionID, Plan: out}})
	if len(out.Items) > 0 {
		w.notify(sessionID, push.KindCreated, 1, len(out.Items), out.Items[0].Title)
	}
	return out, nil
}

// CompleteItem transitions one item pending→complete exactly once (I5)
// and announces the next pending step, or a terminal "all complete".
func (w *workPlanStore) CompleteItem(sessionID, itemID string) (*types.WorkPlan, error) {
	var completedIndex = -1
	out, err := w.store.MutateWorkPlan(context.Background(), sessionID, func(plan *types.WorkPlan) (*types.WorkPlan, error) {
		if plan == nil {
			return nil, fmt.Errorf("no work plan for session")
		}
		found := false
		for i := range plan.Items {
			if plan.Items[i].ID != itemID {
				continue
			}
			found = true
			if plan.Items[i].Status != types.WorkPlanComplete {
				plan.Items[i].Status = types.WorkPlanComplete
				now := time.Now().UnixMilli()
				plan.Items[i].CompletedAt = &now
			}
			completedIndex = i
			break
		}
		if !found {
			return nil, fmt.Errorf("work plan item not found: %s", itemID)
		}
		plan.UpdatedAt = time.Now().UnixMilli()
		return plan, nil
	})
	if err != nil {
		return nil, err
	}

	event.PublishSync(event.Event{Type: event.WorkPlanEvent, Data: event.WorkPlanEventData{SessionID: sessionID, Plan: out}})

	total := len(out.Items)
	stepIndex := completedIndex + 1
	if next := firstPending(out, completedIndex+1); next != nil {
		w.notify(sessionID, push.KindNext, stepIndex+1, total, next.Title)
	} else {
		w.notify(sessionID, push.KindCompleted, stepIndex, total, "")
	}
	return out, nil
}

// RevisePlan upserts by id; missing fields are left untouched,
// remove=true deletes, and ordering is recomputed with items that
// specify no order appended after those that do (§4.7). No
// notification is emitted for a revise.
func (w *workPlanStore) RevisePlan(sessionID string, revisions []executor.Revision) (*types.WorkPlan, error) {
	out, err := w.store.MutateWorkPlan(context.Background(), sessionID, func(plan *types.WorkPlan) (*types.WorkPlan, error) {
		if plan == nil {
			plan = &types.WorkPlan{CreatedAt: time.Now().UnixMilli()}
		}
		byID := make(map[string]int, len(plan.Items))
		for i, it := range plan.Items {
			byID[it.ID] = i
		}

		for _, rev := range revisions {
			idx, exists := byID[rev.ID]
			if rev.Remove {
				if exists {
					plan.Items = append(plan.Items[:idx], plan.Items[idx+1:]...)
					reindex(byID, plan.Items)
				}
				continue
			}
			if !exists {
				title := ""
				if rev.Title != nil {
					title = *rev.Title
				}
				item := types.WorkPlanItem{ID: rev.ID, Title: title, Status: types.WorkPlanPending}
				if rev.Order != nil {
					item.Order = *rev.Order
				} else {
					maxOrder := 0
					for _, it := range plan.Items {
						if it.Order > maxOrder {
							maxOrder = it.Order
						}
					}
					item.Order = maxOrder + 1
				}
				if rev.EstimatedSeconds != nil {
					item.EstimatedSeconds = rev.EstimatedSeconds
				}
				plan.Items = append(plan.Items, item)
				byID[rev.ID] = len(plan.Items) - 1
				continue
			}
			item := &plan.Items[idx]
			if rev.Title != nil {
				item.Title = *rev.Title
			}
			if rev.Order != nil {
				item.Order = *rev.Order
			}
			if rev.EstimatedSeconds != nil {
				item.EstimatedSeconds = rev.EstimatedSeconds
			}
		}

		sort.SliceStable(plan.Items, func(i, j int) bool {
			if plan.Items[i].Order != plan.Items[j].Order {
				return plan.Items[i].Order < plan.Items[j].Order
			}
			return plan.Items[i].ID < plan.Items[j].ID
		})
		plan.UpdatedAt = time.Now().UnixMilli()
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	event.PublishSync(event.Event{Type: event.WorkPlanEvent, Data: event.WorkPlanEventData{SessionID: sessionID, Plan: out}})
	return out, nil
}

func reindex(byID map[string]int, items []types.WorkPlanItem) {
	for k := range byID {
		delete(byID, k)
	}
	for i, it := range items {
		byID[it.ID] = i
	}
}

func firstPending(plan *types.WorkPlan, from int) *types.WorkPlanItem {
	for i := from; i < len(plan.Items); i++ {
		if plan.Items[i].Status != types.WorkPlanComplete {
			return &plan.Items[i]
		}
	}
	for i := 0; i < from && i < len(plan.Items); i++ {
		if plan.Items[i].Status != types.WorkPlanComplete {
			return &plan.Items[i]
		}
	}
	return nil
}

func (w *workPlanStore) notify(sessionID string, kind push.Kind, stepIndex, total int, taskTitle string) {
	if w.push == nil {
		return
	}
	sess, err := w.store.GetSession(context.Background(), sessionID)
	if err != nil || sess.InitiatorDeviceID == "" {
		return
	}
	w.push.Send(context.Background(), push.Notification{
		SessionID:    sessionID,
		DeviceID:     sess.InitiatorDeviceID,
		SessionTitle: sess.Title,
		Kind:         kind,
		StepIndex:    stepIndex,
		Total:        total,
		TaskTitle:    push.TruncateTaskTitle(taskTitle),
	})
}
