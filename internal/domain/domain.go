package domain

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is a fixed-width UTC layout so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

const (
	MinLevel = 1
	MaxLevel = 5
)

type Role string

const (
	RoleSpecialist Role = "specialist"
	RoleManagement Role = "management"
	RoleExecutive  Role = "executive"
	RoleHuman      Role = "human"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSpecialist, RoleManagement, RoleExecutive, RoleHuman:
		return true
	}
	return false
}

// Agent is one node of the reporting tree. ReportsTo is empty only for the root.
type Agent struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Role      Role              `json:"role" enum:"specialist,management,executive,human"`
	Level     int               `json:"level" minimum:"1" maximum:"5"`
	ReportsTo string            `json:"reports_to,omitempty"`
	Available bool              `json:"available"`
	Workload  int               `json:"workload"`
	Profile   map[string]string `json:"profile,omitempty"`
}

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for dequeue and listing; lower ranks first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return PriorityNormal, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	case PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("invalid priority %q", s)
}

type TaskStatus string

const (
	TaskCreated     TaskStatus = "created"
	TaskAssigned    TaskStatus = "assigned"
	TaskInProgress  TaskStatus = "in_progress"
	TaskUnderReview TaskStatus = "under_review"
	TaskApproved    TaskStatus = "approved"
	TaskRejected    TaskStatus = "rejected"
	TaskCompleted   TaskStatus = "completed"
	TaskEscalated   TaskStatus = "escalated"
	TaskCancelled   TaskStatus = "cancelled"
	TaskFailed      TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(strings.TrimSpace(s)); st {
	case TaskCreated, TaskAssigned, TaskInProgress, TaskUnderReview, TaskApproved,
		TaskRejected, TaskCompleted, TaskEscalated, TaskCancelled, TaskFailed:
		return st, nil
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

type Task struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Category      string         `json:"category"`
	Title         string         `json:"title"`
	CreatorID     string         `json:"creator"`
	AssigneeID    string         `json:"assignee,omitempty"`
	Collaborators []string       `json:"collaborators,omitempty"`
	Status        TaskStatus     `json:"status"`
	Priority      Priority       `json:"priority"`
	DueAt         *time.Time     `json:"due_at,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	Version       int            `json:"version"`
	EscalatedFrom TaskStatus     `json:"escalated_from,omitempty"`
	EscalationID  string         `json:"escalation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Holders returns the assignee and collaborators without duplicates.
func (t Task) Holders() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append([]string{t.AssigneeID}, t.Collaborators...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type DecisionAction struct {
	AssignedTo string     `json:"assigned_to"`
	Action     string     `json:"action"`
	DueDate    *time.Time `json:"due_date,omitempty"`
}

// Decision verdicts used by the consensus protocol and escalation resolutions.
const (
	VerdictApprove    = "approve"
	VerdictReject     = "reject"
	VerdictAdopt      = "adopt"
	VerdictSynthesize = "synthesize"
	VerdictCancel     = "cancel"
)

type Decision struct {
	ID            string           `json:"decision_id"`
	Timestamp     time.Time        `json:"timestamp"`
	MakerID       string           `json:"decision_maker"`
	Category      string           `json:"decision_type"`
	Verdict       string           `json:"decision"`
	Reasoning     string           `json:"reasoning"`
	Actions       []DecisionAction `json:"actions"`
	ApprovalChain []string         `json:"approval_chain"`
	Escalated     bool             `json:"escalated"`
	EscalationID  string           `json:"escalation_id,omitempty"`
	TaskID        string           `json:"task_id,omitempty"`
	ProposalRefs  []string         `json:"proposal_refs,omitempty"`
}

type EscalationStatus string

const (
	EscalationOpen       EscalationStatus = "open"
	EscalationInProgress EscalationStatus = "in_progress"
	EscalationResolved   EscalationStatus = "resolved"
	EscalationUnresolved EscalationStatus = "unresolved"
	EscalationCancelled  EscalationStatus = "cancelled"
)

func (s EscalationStatus) Active() bool {
	return s == EscalationOpen || s == EscalationInProgress
}

type Escalation struct {
	ID             string           `json:"id"`
	IssueID        string           `json:"issue_id"`
	TaskID         string           `json:"task_id,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	OriginID       string           `json:"origin"`
	Category       string           `json:"category"`
	RequiredLevel  int              `json:"required_level"`
	Urgency        Priority         `json:"urgency"`
	Issue          string           `json:"issue"`
	Recommendation string           `json:"recommendation,omitempty"`
	Impact         string           `json:"impact,omitempty"`
	AttemptsMade   []string         `json:"attempts_made,omitempty"`
	Chain          []string         `json:"chain"`
	HolderID       string           `json:"holder"`
	HolderDeadline time.Time        `json:"holder_deadline"`
	Status         EscalationStatus `json:"status"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	ResolutionID   string           `json:"resolution,omitempty"`
	Version        int              `json:"version"`
}

// EscalationRequest asks the escalation engine to open an issue on behalf of an origin agent.
type EscalationRequest struct {
	IssueID        string
	TaskID         string
	SessionID      string
	OriginID       string
	Category       string
	Urgency        Priority
	Issue          string
	Recommendation string
	Impact         string
	AttemptsMade   []string
	Reason         string
}

// EscalationRecord is the external escalation format handed to holders and notification sinks.
type EscalationRecord struct {
	EscalationID   string   `json:"escalation_id,omitempty"`
	Level          int      `json:"level"`
	Category       string   `json:"category"`
	From           string   `json:"from"`
	To             string   `json:"to"`
	Issue          string   `json:"issue"`
	AttemptsMade   []string `json:"attempts_made"`
	Urgency        Priority `json:"urgency"`
	Recommendation string   `json:"recommendation"`
	Impact         string   `json:"impact"`
}

// ReviewFlag marks an authority rule as a candidate for human review.
type ReviewFlag struct {
	Category  string    `json:"category"`
	MakerID   string    `json:"decision_maker"`
	Count     int       `json:"count"`
	FlaggedAt time.Time `json:"flagged_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
