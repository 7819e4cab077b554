package payload

// Document is the JSON body delivered to an endpoint. Field order is
// fixed by the struct definitions, so identical event data always
// serializes to byte-identical JSON.
type Document struct {
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	Action         string `json:"action"`
	OccurredAt     string `json:"occurred_at"`
	SequenceNumber int64  `json:"sequence_number"`
	DeliveryMode   string `json:"delivery_mode"`
	SchemaVersion  string `json:"schema_version"`

	Actor   *UserDoc    `json:"actor"`
	Project *ProjectDoc `json:"project"`

	Issue     *IssueDoc     `json:"issue,omitempty"`
	TimeEntry *TimeEntryDoc `json:"time_entry,omitempty"`

	Changes              []Change `json:"changes,omitempty"`
	ChangesTruncated     bool     `json:"changes_truncated,omitempty"`
	CustomFieldsExcluded bool     `json:"custom_fields_excluded,omitempty"`

	LastNote *NoteDoc `json:"last_note,omitempty"`
}

type RefDoc struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type UserDoc struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

type ProjectDoc struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type IssueRefDoc struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
}

type CustomFieldDoc struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// IssueDoc covers all three issue renderings: minimal (identifiers and
// tracker only), full (all scalar fields, associations, custom fields)
// and the pre-delete snapshot. Optional sections are pointers so absent
// and empty stay distinguishable in the serialized form.
type IssueDoc struct {
	SnapshotType   string            `json:"snapshot_type,omitempty"`
	ID             int64             `json:"id"`
	URL            string            `json:"url,omitempty"`
	APIURL         string            `json:"api_url,omitempty"`
	Tracker        *RefDoc           `json:"tracker,omitempty"`
	Subject        *string           `json:"subject,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Status         *RefDoc           `json:"status,omitempty"`
	Priority       *RefDoc           `json:"priority,omitempty"`
	AssignedTo     *UserDoc          `json:"assigned_to,omitempty"`
	Author         *UserDoc          `json:"author,omitempty"`
	Project        *ProjectDoc       `json:"project,omitempty"`
	StartDate      *string           `json:"start_date,omitempty"`
	DueDate        *string           `json:"due_date,omitempty"`
	CreatedOn      *string           `json:"created_on,omitempty"`
	UpdatedOn      *string           `json:"updated_on,omitempty"`
	DoneRatio      *int              `json:"done_ratio,omitempty"`
	EstimatedHours *float64          `json:"estimated_hours,omitempty"`
	ParentIssue    *IssueRefDoc      `json:"parent_issue,omitempty"`
	CustomFields   *[]CustomFieldDoc `json:"custom_fields,omitempty"`
}

type TimeEntryIssueDoc struct {
	ID      int64       `json:"id"`
	Subject string      `json:"subject"`
	Tracker *RefDoc     `json:"tracker,omitempty"`
	Project *ProjectDoc `json:"project,omitempty"`
}

type TimeEntryDoc struct {
	SnapshotType string             `json:"snapshot_type,omitempty"`
	ID           int64              `json:"id"`
	URL          string             `json:"url,omitempty"`
	APIURL       string             `json:"api_url,omitempty"`
	Hours        *float64           `json:"hours,omitempty"`
	SpentOn      *string            `json:"spent_on,omitempty"`
	Comments     *string            `json:"comments,omitempty"`
	Activity     *RefDoc            `json:"activity,omitempty"`
	User         *UserDoc           `json:"user,omitempty"`
	Project      *ProjectDoc        `json:"project,omitempty"`
	Issue        *TimeEntryIssueDoc `json:"issue,omitempty"`
	CustomFields *[]CustomFieldDoc  `json:"custom_fields,omitempty"`
}

// ChangeValue carries the stored value and its human-readable form.
type ChangeValue struct {
	Raw  any `json:"raw"`
	Text any `json:"text"`
}

// Change is one entry in the diff of an updated action.
type Change struct {
	Field string      `json:"field"`
	Kind  string      `json:"kind"`
	Name  string      `json:"name,omitempty"`
	Old   ChangeValue `json:"old"`
	New   ChangeValue `json:"new"`
}

type NoteDoc struct {
	ID        int64  `json:"id"`
	Notes     string `json:"notes"`
	CreatedOn string `json:"created_on"`
}
