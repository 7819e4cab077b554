// Package payload transforms inbound events into bounded JSON delivery
// documents. Building is deterministic: change entries are ordered by
// field name, custom-field diffs by id, and documents are structs with
// fixed key order.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/event"
)

const (
	SchemaVersion  = "1.0"
	MaxPayloadSize = 1 << 20 // 1 MiB serialized
	MaxChanges     = 100

	ModeMinimal = "minimal"
	ModeFull    = "full"

	// FilteredValue replaces sensitive custom field values. The field is
	// never omitted, so the document shape stays stable.
	FilteredValue = "[FILTERED]"

	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// ErrPayloadTooLarge means the document still exceeds MaxPayloadSize
// after the full size-governance ladder. The resource body is never
// silently dropped to fit.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// Bookkeeping attributes excluded from change diffs.
var skipAttributes = map[string]bool{
	"updated_on": true, "created_on": true, "lock_version": true,
	"lft": true, "rgt": true, "root_id": true,
	"updated_at": true, "created_at": true,
}

// Custom field names matching any of these (case-insensitive substring)
// are redacted.
var sensitiveKeywords = []string{
	"api_key", "password", "secret", "token", "private_key", "auth_token",
	"credential", "secret_key", "api_token", "access_token",
}

// Builder constructs delivery documents. The lookup resolves entity
// names referenced by change diffs in batches; baseURL is the host
// installation's root for web/API resource links.
type Builder struct {
	lookup  Lookup
	baseURL string
}

func NewBuilder(lookup Lookup, baseURL string) *Builder {
	return &Builder{lookup: lookup, baseURL: strings.TrimRight(baseURL, "/")}
}

// Build validates the event and returns the serialized document.
// Invalid event_type, action, or mode fail immediately; nothing is
// partially built.
func (b *Builder) Build(ctx context.Context, ev *event.Event, mode string) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("event is required")
	}
	if ev.EventType != event.TypeIssue && ev.EventType != event.TypeTimeEntry {
		return nil, fmt.Errorf("invalid event_type: %q", ev.EventType)
	}
	switch ev.Action {
	case event.ActionCreated, event.ActionUpdated, event.ActionDeleted:
	default:
		return nil, fmt.Errorf("invalid action: %q", ev.Action)
	}
	if mode != ModeMinimal && mode != ModeFull {
		return nil, fmt.Errorf("invalid payload_mode: %q", mode)
	}

	doc := &Document{
		EventID:        ev.EventID,
		EventType:      ev.EventType,
		Action:         ev.Action,
		OccurredAt:     formatTimestamp(ev.OccurredAt),
		SequenceNumber: ev.SequenceNumber,
		DeliveryMode:   mode,
		SchemaVersion:  SchemaVersion,
		Actor:          userDoc(ev.Actor),
		Project:        projectDoc(ev.Project),
	}

	switch ev.EventType {
	case event.TypeIssue:
		doc.Issue = b.issueDoc(ev, mode)
	case event.TypeTimeEntry:
		doc.TimeEntry = b.timeEntryDoc(ev, mode)
	}

	if ev.Action == event.ActionUpdated {
		changes, err := b.buildChanges(ctx, ev)
		if err != nil {
			return nil, err
		}
		doc.Changes = changes
	}
	if ev.Journal != nil {
		doc.LastNote = &NoteDoc{
			ID:        ev.Journal.ID,
			Notes:     ev.Journal.Notes,
			CreatedOn: formatTimestamp(ev.Journal.CreatedOn),
		}
	}

	return enforceSizeLimit(doc)
}

// enforceSizeLimit applies the governance ladder: truncate changes to
// the most recent MaxChanges, then blank custom-field arrays, then fail.
func enforceSizeLimit(doc *Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if len(raw) <= MaxPayloadSize {
		return raw, nil
	}

	if len(doc.Changes) > MaxChanges {
		doc.Changes = doc.Changes[len(doc.Changes)-MaxChanges:]
		doc.ChangesTruncated = true
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		if len(raw) <= MaxPayloadSize {
			return raw, nil
		}
	}

	empty := []CustomFieldDoc{}
	if doc.Issue != nil && doc.Issue.CustomFields != nil {
		doc.Issue.CustomFields = &empty
		doc.CustomFieldsExcluded = true
	}
	if doc.TimeEntry != nil && doc.TimeEntry.CustomFields != nil {
		doc.TimeEntry.CustomFields = &empty
		doc.CustomFieldsExcluded = true
	}
	raw, err = json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if len(raw) <= MaxPayloadSize {
		return raw, nil
	}

	return nil, fmt.Errorf("%w (%d bytes)", ErrPayloadTooLarge, len(raw))
}

func (b *Builder) issueDoc(ev *event.Event, mode string) *IssueDoc {
	if ev.Action == event.ActionDeleted {
		return issueSnapshotDoc(ev.IssueSnapshot)
	}
	is := ev.Issue
	if is == nil {
		return nil
	}
	doc := &IssueDoc{
		ID:      is.ID,
		URL:     fmt.Sprintf("%s/issues/%d", b.baseURL, is.ID),
		APIURL:  fmt.Sprintf("%s/issues/%d.json", b.baseURL, is.ID),
		Tracker: &RefDoc{ID: is.Tracker.ID, Name: is.Tracker.Name},
	}
	if mode != ModeFull {
		return doc
	}
	doc.Subject = strPtr(is.Subject)
	doc.Description = strPtr(is.Description)
	doc.Status = &RefDoc{ID: is.Status.ID, Name: is.Status.Name}
	doc.Priority = &RefDoc{ID: is.Priority.ID, Name: is.Priority.Name}
	doc.AssignedTo = userDoc(is.AssignedTo)
	doc.Author = userDoc(is.Author)
	if is.StartDate != "" {
		doc.StartDate = strPtr(is.StartDate)
	}
	if is.DueDate != "" {
		doc.DueDate = strPtr(is.DueDate)
	}
	doc.CreatedOn = strPtr(formatTimestamp(is.CreatedOn))
	doc.UpdatedOn = strPtr(formatTimestamp(is.UpdatedOn))
	doc.DoneRatio = intPtr(is.DoneRatio)
	doc.EstimatedHours = is.EstimatedHours
	if is.Parent != nil {
		doc.ParentIssue = &IssueRefDoc{ID: is.Parent.ID, Subject: is.Parent.Subject}
	}
	doc.CustomFields = customFieldDocs(is.CustomFields)
	return doc
}

func issueSnapshotDoc(s *event.IssueSnapshot) *IssueDoc {
	if s == nil {
		return nil
	}
	doc := &IssueDoc{
		SnapshotType: "pre_delete",
		ID:           s.ID,
		Subject:      strPtr(s.Subject),
		Description:  strPtr(s.Description),
		Tracker:      &RefDoc{ID: s.TrackerID, Name: s.TrackerName},
		Status:       &RefDoc{ID: s.StatusID, Name: s.StatusName},
		Priority:     &RefDoc{ID: s.PriorityID, Name: s.PriorityName},
		Author:       &UserDoc{ID: s.AuthorID, Login: s.AuthorLogin, Name: s.AuthorName},
		Project:      &ProjectDoc{ID: s.ProjectID, Identifier: s.ProjectIdent, Name: s.ProjectName},
		DoneRatio:    intPtr(s.DoneRatio),
	}
	if s.AssignedToID != 0 {
		doc.AssignedTo = &UserDoc{ID: s.AssignedToID, Login: s.AssignedLogin, Name: s.AssignedName}
	}
	if s.StartDate != "" {
		doc.StartDate = strPtr(s.StartDate)
	}
	if s.DueDate != "" {
		doc.DueDate = strPtr(s.DueDate)
	}
	doc.EstimatedHours = s.EstimatedHours
	return doc
}

func (b *Builder) timeEntryDoc(ev *event.Event, mode string) *TimeEntryDoc {
	if ev.Action == event.ActionDeleted {
		return timeEntrySnapshotDoc(ev.TimeEntrySnapshot)
	}
	te := ev.TimeEntry
	if te == nil {
		return nil
	}
	doc := &TimeEntryDoc{
		ID:     te.ID,
		URL:    fmt.Sprintf("%s/time_entries/%d", b.baseURL, te.ID),
		APIURL: fmt.Sprintf("%s/time_entries/%d.json", b.baseURL, te.ID),
	}
	if te.Issue != nil {
		doc.Issue = &TimeEntryIssueDoc{ID: te.Issue.ID, Subject: te.Issue.Subject}
	}
	if mode != ModeFull {
		return doc
	}
	doc.Hours = floatPtr(te.Hours)
	doc.SpentOn = strPtr(te.SpentOn)
	doc.Comments = strPtr(te.Comments)
	doc.Activity = &RefDoc{ID: te.Activity.ID, Name: te.Activity.Name}
	doc.User = userDoc(te.User)
	if te.Issue != nil {
		doc.Issue.Tracker = refDoc(te.Issue.Tracker)
		if te.Issue.Project != nil {
			doc.Issue.Project = &ProjectDoc{
				ID:         te.Issue.Project.ID,
				Identifier: te.Issue.Project.Identifier,
				Name:       te.Issue.Project.Name,
			}
		}
	}
	doc.CustomFields = customFieldDocs(te.CustomFields)
	return doc
}

func timeEntrySnapshotDoc(s *event.TimeEntrySnapshot) *TimeEntryDoc {
	if s == nil {
		return nil
	}
	doc := &TimeEntryDoc{
		SnapshotType: "pre_delete",
		ID:           s.ID,
		Hours:        floatPtr(s.Hours),
		SpentOn:      strPtr(s.SpentOn),
		Comments:     strPtr(s.Comments),
		Activity:     &RefDoc{ID: s.ActivityID, Name: s.ActivityName},
		User:         &UserDoc{ID: s.UserID, Login: s.UserLogin, Name: s.UserName},
		Project:      &ProjectDoc{ID: s.ProjectID, Identifier: s.ProjectIdent, Name: s.ProjectName},
	}
	if s.IssueID != 0 {
		doc.Issue = &TimeEntryIssueDoc{ID: s.IssueID, Subject: s.IssueSubject}
	}
	return doc
}

// customFieldDocs serializes custom field values, redacting any whose
// name contains a secret-like keyword.
func customFieldDocs(values []event.CustomFieldValue) *[]CustomFieldDoc {
	docs := make([]CustomFieldDoc, 0, len(values))
	for _, v := range values {
		val := v.Value
		if sensitiveFieldName(v.Name) {
			val = FilteredValue
		}
		docs = append(docs, CustomFieldDoc{ID: v.ID, Name: v.Name, Value: val})
	}
	return &docs
}

func sensitiveFieldName(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func userDoc(u *event.UserRef) *UserDoc {
	if u == nil {
		return nil
	}
	return &UserDoc{ID: u.ID, Login: u.Login, Name: u.Name}
}

func projectDoc(p *event.ProjectRef) *ProjectDoc {
	if p == nil {
		return nil
	}
	return &ProjectDoc{ID: p.ID, Identifier: p.Identifier, Name: p.Name}
}

func refDoc(r *event.Ref) *RefDoc {
	if r == nil {
		return nil
	}
	return &RefDoc{ID: r.ID, Name: r.Name}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}

func strPtr(s string) *string    { return &s }
func intPtr(i int) *int          { return &i }
func floatPtr(f float64) *float64 { return &f }

// toID normalizes a raw change value to an entity id. JSON decoding
// yields float64 for numbers; producers embedding Go values may send
// native ints.
func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// buildChanges assembles the attribute diff plus the custom-field diff.
// Referenced entities are resolved through one batched lookup covering
// every id touched by the change set.
func (b *Builder) buildChanges(ctx context.Context, ev *event.Event) ([]Change, error) {
	changes := []Change{}

	if len(ev.Changes) > 0 {
		refs := extractReferencedIDs(ev.Changes)
		resolved, err := b.lookup.Resolve(ctx, refs)
		if err != nil {
			return nil, fmt.Errorf("resolve change references: %w", err)
		}

		fields := make([]string, 0, len(ev.Changes))
		for f := range ev.Changes {
			if skipAttributes[f] {
				continue
			}
			fields = append(fields, f)
		}
		sort.Strings(fields)

		for _, field := range fields {
			pair := ev.Changes[field]
			changes = append(changes, Change{
				Field: field,
				Kind:  "attribute",
				Old:   resolveValue(field, pair.Old, resolved),
				New:   resolveValue(field, pair.New, resolved),
			})
		}
	}

	if len(ev.CustomFieldChanges) > 0 {
		ids := make([]int64, 0, len(ev.CustomFieldChanges))
		for id := range ev.CustomFieldChanges {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			cf := ev.CustomFieldChanges[id]
			oldVal, newVal := cf.Old, cf.New
			if sensitiveFieldName(cf.Name) {
				oldVal, newVal = FilteredValue, FilteredValue
			}
			changes = append(changes, Change{
				Field: fmt.Sprintf("custom_field:%d", id),
				Kind:  "custom_field",
				Name:  cf.Name,
				Old:   ChangeValue{Raw: oldVal, Text: oldVal},
				New:   ChangeValue{Raw: newVal, Text: newVal},
			})
		}
	}

	return changes, nil
}

func extractReferencedIDs(changes map[string]event.ChangePair) RefIDs {
	var refs RefIDs
	add := func(dst *[]int64, vals ...any) {
		for _, v := range vals {
			if v == nil {
				continue
			}
			if id, ok := toID(v); ok {
				*dst = append(*dst, id)
			}
		}
	}
	for field, pair := range changes {
		switch field {
		case "status_id":
			add(&refs.Statuses, pair.Old, pair.New)
		case "priority_id":
			add(&refs.Priorities, pair.Old, pair.New)
		case "assigned_to_id", "author_id", "user_id":
			add(&refs.Users, pair.Old, pair.New)
		case "project_id":
			add(&refs.Projects, pair.Old, pair.New)
		case "tracker_id":
			add(&refs.Trackers, pair.Old, pair.New)
		case "category_id":
			add(&refs.Categories, pair.Old, pair.New)
		case "fixed_version_id":
			add(&refs.Versions, pair.Old, pair.New)
		case "activity_id":
			add(&refs.Activities, pair.Old, pair.New)
		}
	}
	return refs
}

// resolveValue pairs the raw value with its human-readable form. An id
// that no longer resolves keeps a nil text rather than failing the
// build.
func resolveValue(field string, raw any, resolved Resolved) ChangeValue {
	if raw == nil {
		return ChangeValue{Raw: nil, Text: nil}
	}

	id, ok := toID(raw)
	if !ok {
		return ChangeValue{Raw: raw, Text: raw}
	}

	var text any
	switch field {
	case "status_id":
		text = nameOrNil(resolved.Statuses, id)
	case "priority_id":
		text = nameOrNil(resolved.Priorities, id)
	case "assigned_to_id", "author_id", "user_id":
		if u, ok := resolved.Users[id]; ok {
			text = fmt.Sprintf("%s (%s)", u.Name, u.Login)
		}
	case "category_id":
		text = nameOrNil(resolved.Categories, id)
	case "fixed_version_id":
		text = nameOrNil(resolved.Versions, id)
	case "activity_id":
		text = nameOrNil(resolved.Activities, id)
	case "tracker_id":
		text = nameOrNil(resolved.Trackers, id)
	case "project_id":
		text = nameOrNil(resolved.Projects, id)
	default:
		text = raw
	}

	return ChangeValue{Raw: raw, Text: text}
}

func nameOrNil(names map[int64]string, id int64) any {
	if name, ok := names[id]; ok {
		return name
	}
	return nil
}
