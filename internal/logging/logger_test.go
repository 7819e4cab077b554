package logging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestEntryFluentFields(t *testing.T) {
	l := New("engine-test")
	e := l.WithContext(context.Background()).
		WithEvent("evt-1").
		WithDelivery("del-1").
		WithEndpoint("ep-1").
		WithField("attempt", 3).
		WithError(errors.New("boom"))

	if e.Service != "engine-test" {
		t.Errorf("Service = %q", e.Service)
	}
	if e.EventID != "evt-1" || e.DeliveryID != "del-1" || e.EndpointID != "ep-1" {
		t.Errorf("identifiers = %q %q %q", e.EventID, e.DeliveryID, e.EndpointID)
	}
	if e.Fields["attempt"] != 3 {
		t.Errorf("attempt field = %v", e.Fields["attempt"])
	}
	if e.Fields["error"] != "boom" {
		t.Errorf("error field = %v", e.Fields["error"])
	}
}

func TestEntrySerializesWithStableKeys(t *testing.T) {
	e := New("engine-test").Plain().WithDelivery("del-1")
	e.Level = LevelInfo
	e.Message = "delivery succeeded"

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"time", "level", "msg", "service", "delivery_id"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("serialized entry missing %q", key)
		}
	}
	if _, ok := decoded["event_id"]; ok {
		t.Error("empty identifiers must be omitted")
	}
}

func TestWithErrorNilIsNoOp(t *testing.T) {
	e := New("engine-test").Plain().WithError(nil)
	if len(e.Fields) != 0 {
		t.Errorf("Fields = %v, want none", e.Fields)
	}
}
