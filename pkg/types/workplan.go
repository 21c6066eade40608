package types

// WorkPlanStatus is the lifecycle of one WorkPlanItem (I5: pending→complete, once).
type WorkPlanStatus string

const (
	WorkPlanPending  WorkPlanStatus = "pending"
	WorkPlanComplete WorkPlanStatus = "complete"
)

// WorkPlanItem is one step of a session's optional checklist (§3, §4.7).
type WorkPlanItem struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Order           int            `json:"order"`
	EstimatedSeconds *int          `json:"estimatedSeconds,omitempty"`
	Status          WorkPlanStatus `json:"status"`
	CompletedAt     *int64         `json:"completedAt,omitempty"`
}

// WorkPlan is the optional per-session checklist mutated by the work_plan tool.
type WorkPlan struct {
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
	Items     []WorkPlanItem `json:"items"`
}
