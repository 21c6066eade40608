package executor

import (
	"context"
	"fmt"

	"github.com/agentd/agentd/internal/catalog"
	"github.com/agentd/agentd/pkg/types"
)

// WorkPlanStore is the collaborator the work_plan tool mutates through.
// The Turn Engine supplies the concrete implementation (its in-memory
// session plus storage layer); the executor stays ignorant of sessions.
type WorkPlanStore interface {
	CreatePlan(sessionID string, items []types.WorkPlanItem) (*types.WorkPlan, error)
	CompleteItem(sessionID, itemID string) (*types.WorkPlan, error)
	RevisePlan(sessionID string, revisions []Revision) (*types.WorkPlan, error)
}

// Revision is one upsert-by-id patch from a work_plan revise call
// (§4.7: "upsert by id, missing fields untouched; remove=true
// deletes"). A nil field means "leave as is".
type Revision struct {
	ID               string
	Remove           bool
	Title            *string
	Order            *int
	EstimatedSeconds *int
}

// NewWorkPlanExec binds a work_plan catalog.ExecFunc to the given store
// (§4.7: create/complete/revise).
func NewWorkPlanExec(store WorkPlanStore) catalog.ExecFunc {
	return func(ctx context.Context, input map[string]any, execCtx catalog.ExecContext) (string, bool, error) {
		command, _ := input["command"].(string)
		switch command {
		case "create":
			items, err := parseItems(input["items"])
			if err != nil {
				return "", true, err
			}
			plan, err := store.CreatePlan(execCtx.SessionID, items)
			if err != nil {
				return "", true, err
			}
			return fmt.Sprintf("Created plan with %d item(s)", len(plan.Items)), false, nil
		case "complete":
			id, _ := input["id"].(string)
			if id == "" {
				return "", true, fmt.Errorf("id is required")
			}
			plan, err := store.CompleteItem(execCtx.SessionID, id)
			if err != nil {
				return "", true, err
			}
			return fmt.Sprintf("Completed %s (%d remaining)", id, remaining(plan)), false, nil
		case "revise":
			revisions, err := parseRevisions(input["items"])
			if err != nil {
				return "", true, err
			}
			plan, err := store.RevisePlan(execCtx.SessionID, revisions)
			if err != nil {
				return "", true, err
			}
			return fmt.Sprintf("Revised plan to %d item(s)", len(plan.Items)), false, nil
		default:
			return "", true, fmt.Errorf("unknown command: %s", command)
		}
	}
}

func remaining(plan *types.WorkPlan) int {
	n := 0
	for _, it := range plan.Items {
		if it.Status != types.WorkPlanComplete {
			n++
		}
	}
	return n
}

// parseItems parses a full item list for `create`, where every item
// must be fully specified.
func parseItems(raw any) ([]types.WorkPlanItem, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("items must be an array")
	}
	items := make([]types.WorkPlanItem, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item must be an object")
		}
		id, _ := m["id"].(string)
		title, _ := m["title"].(string)
		order, _ := m["order"].(float64)
		if id == "" || title == "" {
			return nil, fmt.Errorf("item id and title are required")
		}
		var est *int
		if v, ok := m["estimatedSeconds"].(float64); ok {
			e := int(v)
			est = &e
		}
		items = append(items, types.WorkPlanItem{
			ID:               id,
			Title:            title,
			Order:            int(order),
			EstimatedSeconds: est,
			Status:           types.WorkPlanPending,
		})
	}
	return items, nil
}

// parseRevisions parses the sparse item list for `revise`, where any
// field but id may be omitted (§4.7).
func parseRevisions(raw any) ([]Revision, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("items must be an array")
	}
	out := make([]Revision, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item must be an object")
		}
		id, _ := m["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("item id is required")
		}
		rev := Revision{ID: id}
		if remove, ok := m["remove"].(bool); ok {
			rev.Remove = remove
		}
		if v, ok := m["title"].(string); ok {
			rev.Title = &v
		}
		if v, ok := m["order"].(float64); ok {
			n := int(v)
			rev.Order = &n
		}
		if v, ok := m["estimatedSeconds"].(float64); ok {
			n := int(v)
			rev.EstimatedSeconds = &n
		}
		out = append(out, rev)
	}
	return out, nil
}
