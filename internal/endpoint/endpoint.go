// Package endpoint models configured webhook destinations and their
// typed configuration. Filters, allowlists and retry settings are
// converted from their stored JSON form at the storage boundary; the
// rest of the engine never touches untyped maps.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
)

const (
	DefaultTimeout = 15 * time.Second

	PayloadModeMinimal = "minimal"
	PayloadModeFull    = "full"
)

// EventFilter maps event_type -> action -> enabled.
type EventFilter map[string]map[string]bool

// Enabled reports whether the filter allows the given type/action pair.
func (f EventFilter) Enabled(eventType, action string) bool {
	actions, ok := f[eventType]
	if !ok {
		return false
	}
	return actions[action]
}

// Endpoint is one configured webhook destination.
type Endpoint struct {
	ID            string
	Name          string
	URL           string
	Enabled       bool
	PayloadMode   string
	WebhookUserID *int64
	Timeout       time.Duration
	SSLVerify     bool
	Events        EventFilter
	ProjectIDs    []int64
	Retry         retrypolicy.Policy
	CustomHeaders map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MatchesEvent is true iff the event filter enables the type/action pair
// and the project allowlist is empty or contains the project.
func (e *Endpoint) MatchesEvent(eventType, action string, projectID int64) bool {
	if !e.Events.Enabled(eventType, action) {
		return false
	}
	if len(e.ProjectIDs) == 0 {
		return true
	}
	for _, id := range e.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// Validate enforces the construction invariants: name present, URL
// parses as http or https, payload mode in the closed set.
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return errors.New("endpoint name is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("endpoint url must be a valid http or https URL: %q", e.URL)
	}
	if e.PayloadMode != PayloadModeMinimal && e.PayloadMode != PayloadModeFull {
		return fmt.Errorf("invalid payload_mode: %q", e.PayloadMode)
	}
	return nil
}

// eventsConfigJSON / projectIDsJSON / headersJSON convert between the
// stored jsonb columns and the typed values.

func eventsFromJSON(raw []byte) EventFilter {
	if len(raw) == 0 {
		return EventFilter{}
	}
	var f EventFilter
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return EventFilter{}
	}
	return f
}

func projectIDsFromJSON(raw []byte) []int64 {
	if len(raw) == 0 {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

func headersFromJSON(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil
	}
	return h
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
