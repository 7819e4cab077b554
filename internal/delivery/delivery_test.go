package delivery

import (
	"testing"
	"time"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/retrypolicy"
)

func TestValidStatus(t *testing.T) {
	for _, s := range Statuses {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false", s)
		}
	}
	for _, s := range []string{"", "queued", "inflight", "PENDING"} {
		if ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = true", s)
		}
	}
}

func TestCanRetry(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusPending, true},
		{StatusFailed, true},
		{StatusDelivering, false},
		{StatusSuccess, false},
		{StatusDead, false},
		{StatusEndpointDeleted, false},
	}

	for _, tt := range tests {
		d := &Delivery{Status: tt.status}
		if got := d.CanRetry(); got != tt.want {
			t.Errorf("CanRetry() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPolicyUsesSnapshotNotDefaults(t *testing.T) {
	custom := retrypolicy.Policy{
		MaxAttempts:       2,
		BaseDelay:         10 * time.Second,
		MaxDelay:          20 * time.Second,
		RetryableStatuses: []int{503},
	}
	d := &Delivery{RetrySnapshot: custom.Snapshot()}

	p := d.Policy()
	if p.MaxAttempts != 2 || p.BaseDelay != 10*time.Second || p.MaxDelay != 20*time.Second {
		t.Errorf("Policy() = %+v, want the snapshot values", p)
	}
}

func TestPolicyEmptySnapshotFallsBack(t *testing.T) {
	d := &Delivery{}
	if p := d.Policy(); p.MaxAttempts != retrypolicy.DefaultMaxAttempts {
		t.Errorf("Policy() MaxAttempts = %d, want default", p.MaxAttempts)
	}
}
