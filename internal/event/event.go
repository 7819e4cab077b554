// Package event defines the inbound event contract produced by the host
// application's lifecycle listeners. The delivery engine only ever sees
// this structured form; how the host detects resource changes is its
// own concern.
package event

import "time"

// Event types and actions accepted by the engine.
const (
	TypeIssue     = "issue"
	TypeTimeEntry = "time_entry"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Ref is a named entity reference.
type Ref struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserRef identifies a user with its display fields.
type UserRef struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

// ProjectRef identifies a project.
type ProjectRef struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// CustomFieldValue is one custom field value on a resource.
type CustomFieldValue struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IssueRef is a minimal reference to an issue from another resource.
type IssueRef struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
}

// Issue carries the live issue state for created/updated events.
type Issue struct {
	ID             int64              `json:"id"`
	Subject        string             `json:"subject"`
	Description    string             `json:"description"`
	Tracker        Ref                `json:"tracker"`
	Status         Ref                `json:"status"`
	Priority       Ref                `json:"priority"`
	Author         *UserRef           `json:"author,omitempty"`
	AssignedTo     *UserRef           `json:"assigned_to,omitempty"`
	StartDate      string             `json:"start_date,omitempty"`
	DueDate        string             `json:"due_date,omitempty"`
	CreatedOn      time.Time          `json:"created_on"`
	UpdatedOn      time.Time          `json:"updated_on"`
	DoneRatio      int                `json:"done_ratio"`
	EstimatedHours *float64           `json:"estimated_hours,omitempty"`
	Parent         *IssueRef          `json:"parent,omitempty"`
	CustomFields   []CustomFieldValue `json:"custom_fields,omitempty"`
}

// TimeEntryIssue is the issue context attached to a time entry.
type TimeEntryIssue struct {
	ID      int64       `json:"id"`
	Subject string      `json:"subject"`
	Tracker *Ref        `json:"tracker,omitempty"`
	Project *ProjectRef `json:"project,omitempty"`
}

// TimeEntry carries the live time entry state.
type TimeEntry struct {
	ID           int64              `json:"id"`
	Hours        float64            `json:"hours"`
	SpentOn      string             `json:"spent_on"`
	Comments     string             `json:"comments"`
	Activity     Ref                `json:"activity"`
	User         *UserRef           `json:"user,omitempty"`
	Issue        *TimeEntryIssue    `json:"issue,omitempty"`
	CustomFields []CustomFieldValue `json:"custom_fields,omitempty"`
}

// IssueSnapshot is the point-in-time state captured by the producer
// before an issue is deleted; the row is unqueryable afterwards.
type IssueSnapshot struct {
	ID             int64    `json:"id"`
	Subject        string   `json:"subject"`
	Description    string   `json:"description"`
	TrackerID      int64    `json:"tracker_id"`
	TrackerName    string   `json:"tracker_name"`
	StatusID       int64    `json:"status_id"`
	StatusName     string   `json:"status_name"`
	PriorityID     int64    `json:"priority_id"`
	PriorityName   string   `json:"priority_name"`
	AuthorID       int64    `json:"author_id"`
	AuthorLogin    string   `json:"author_login"`
	AuthorName     string   `json:"author_name"`
	AssignedToID   int64    `json:"assigned_to_id,omitempty"`
	AssignedLogin  string   `json:"assigned_to_login,omitempty"`
	AssignedName   string   `json:"assigned_to_name,omitempty"`
	ProjectID      int64    `json:"project_id"`
	ProjectIdent   string   `json:"project_identifier"`
	ProjectName    string   `json:"project_name"`
	StartDate      string   `json:"start_date,omitempty"`
	DueDate        string   `json:"due_date,omitempty"`
	DoneRatio      int      `json:"done_ratio"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
}

// TimeEntrySnapshot is the pre-delete state of a time entry.
type TimeEntrySnapshot struct {
	ID           int64   `json:"id"`
	Hours        float64 `json:"hours"`
	SpentOn      string  `json:"spent_on"`
	Comments     string  `json:"comments"`
	ActivityID   int64   `json:"activity_id"`
	ActivityName string  `json:"activity_name"`
	UserID       int64   `json:"user_id"`
	UserLogin    string  `json:"user_login"`
	UserName     string  `json:"user_name"`
	ProjectID    int64   `json:"project_id"`
	ProjectIdent string  `json:"project_identifier"`
	ProjectName  string  `json:"project_name"`
	IssueID      int64   `json:"issue_id,omitempty"`
	IssueSubject string  `json:"issue_subject,omitempty"`
}

// ChangePair holds the old and new value of one changed attribute.
type ChangePair struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// CustomFieldChange is the diff of one custom field value.
type CustomFieldChange struct {
	Name string `json:"name"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// Journal is the note attached to an update, when the event carries one.
type Journal struct {
	ID        int64     `json:"id"`
	Notes     string    `json:"notes"`
	CreatedOn time.Time `json:"created_on"`
}

// Event is one domain occurrence with enough data to build a payload.
type Event struct {
	EventID        string      `json:"event_id"`
	EventType      string      `json:"event_type"`
	Action         string      `json:"action"`
	OccurredAt     time.Time   `json:"occurred_at"`
	SequenceNumber int64       `json:"sequence_number"`
	ProjectID      int64       `json:"project_id"`
	Actor          *UserRef    `json:"actor,omitempty"`
	Project        *ProjectRef `json:"project,omitempty"`

	Issue             *Issue             `json:"issue,omitempty"`
	TimeEntry         *TimeEntry         `json:"time_entry,omitempty"`
	IssueSnapshot     *IssueSnapshot     `json:"issue_snapshot,omitempty"`
	TimeEntrySnapshot *TimeEntrySnapshot `json:"time_entry_snapshot,omitempty"`

	// Changes maps attribute name to its old/new pair for updated
	// actions. Bookkeeping attributes are filtered by the payload
	// builder, not the producer.
	Changes            map[string]ChangePair        `json:"changes,omitempty"`
	CustomFieldChanges map[int64]*CustomFieldChange `json:"custom_field_changes,omitempty"`
	Journal            *Journal                     `json:"journal,omitempty"`
}
