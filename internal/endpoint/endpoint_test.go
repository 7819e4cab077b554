package endpoint

import (
	"testing"
)

func filterFor(pairs map[string][]string) EventFilter {
	f := EventFilter{}
	for eventType, actions := range pairs {
		f[eventType] = map[string]bool{}
		for _, a := range actions {
			f[eventType][a] = true
		}
	}
	return f
}

func TestMatchesEvent(t *testing.T) {
	tests := []struct {
		name       string
		events     EventFilter
		projectIDs []int64
		eventType  string
		action     string
		projectID  int64
		want       bool
	}{
		{
			name:      "enabled pair matches",
			events:    filterFor(map[string][]string{"issue": {"created", "updated"}}),
			eventType: "issue", action: "created", projectID: 1,
			want: true,
		},
		{
			name:      "disabled action",
			events:    filterFor(map[string][]string{"issue": {"created"}}),
			eventType: "issue", action: "deleted", projectID: 1,
			want: false,
		},
		{
			name:      "unknown event type",
			events:    filterFor(map[string][]string{"issue": {"created"}}),
			eventType: "time_entry", action: "created", projectID: 1,
			want: false,
		},
		{
			name:      "explicitly false action",
			events:    EventFilter{"issue": {"created": false}},
			eventType: "issue", action: "created", projectID: 1,
			want: false,
		},
		{
			name:       "empty allowlist matches any project",
			events:     filterFor(map[string][]string{"issue": {"created"}}),
			projectIDs: nil,
			eventType:  "issue", action: "created", projectID: 42,
			want: true,
		},
		{
			name:       "allowlist includes project",
			events:     filterFor(map[string][]string{"issue": {"created"}}),
			projectIDs: []int64{3, 42},
			eventType:  "issue", action: "created", projectID: 42,
			want: true,
		},
		{
			name:       "allowlist excludes project",
			events:     filterFor(map[string][]string{"issue": {"created"}}),
			projectIDs: []int64{3},
			eventType:  "issue", action: "created", projectID: 42,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &Endpoint{Events: tt.events, ProjectIDs: tt.projectIDs}
			if got := ep.MatchesEvent(tt.eventType, tt.action, tt.projectID); got != tt.want {
				t.Errorf("MatchesEvent(%q, %q, %d) = %v, want %v",
					tt.eventType, tt.action, tt.projectID, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Endpoint {
		return &Endpoint{Name: "hooks", URL: "https://example.com/hook", PayloadMode: PayloadModeMinimal}
	}

	tests := []struct {
		name    string
		mutate  func(*Endpoint)
		wantErr bool
	}{
		{name: "valid https", mutate: func(e *Endpoint) {}, wantErr: false},
		{name: "valid http", mutate: func(e *Endpoint) { e.URL = "http://example.com" }, wantErr: false},
		{name: "full mode", mutate: func(e *Endpoint) { e.PayloadMode = PayloadModeFull }, wantErr: false},
		{name: "missing name", mutate: func(e *Endpoint) { e.Name = "" }, wantErr: true},
		{name: "bad scheme", mutate: func(e *Endpoint) { e.URL = "ftp://example.com" }, wantErr: true},
		{name: "no host", mutate: func(e *Endpoint) { e.URL = "https://" }, wantErr: true},
		{name: "not a url", mutate: func(e *Endpoint) { e.URL = "not a url" }, wantErr: true},
		{name: "bad mode", mutate: func(e *Endpoint) { e.PayloadMode = "verbose" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := valid()
			tt.mutate(ep)
			err := ep.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventsFromJSONBadInput(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("null"), []byte("not json")} {
		if f := eventsFromJSON(raw); f == nil {
			t.Errorf("eventsFromJSON(%q) = nil, want empty filter", raw)
		}
	}
}
