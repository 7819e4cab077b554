package dispatch

import (
	"context"

	"github.com/guyinwonder168/redmine-webhook-plugin/internal/settings"
)

// Mode decides how freshly created deliveries get processed.
type Mode string

const (
	// ModeQueue enqueues each delivery for near-immediate processing.
	ModeQueue Mode = "queue"
	// ModeBatch leaves deliveries for the periodic due-picker.
	ModeBatch Mode = "batch"
)

const KeyExecutionMode = "execution_mode"

// ModeResolver reports the active execution mode. Injected so tests can
// pin a mode without touching shared state.
type ModeResolver interface {
	Mode(ctx context.Context) Mode
}

// StaticMode is a fixed ModeResolver.
type StaticMode Mode

func (m StaticMode) Mode(context.Context) Mode { return Mode(m) }

// AutoResolver resolves the mode from the settings store, falling back
// to queue when a queue producer is configured and batch otherwise.
type AutoResolver struct {
	settings       *settings.Store
	queueAvailable bool
}

func NewAutoResolver(store *settings.Store, queueAvailable bool) *AutoResolver {
	return &AutoResolver{settings: store, queueAvailable: queueAvailable}
}

func (r *AutoResolver) Mode(ctx context.Context) Mode {
	if r.settings != nil {
		switch v, _ := r.settings.Get(ctx, KeyExecutionMode); Mode(v) {
		case ModeQueue:
			return ModeQueue
		case ModeBatch:
			return ModeBatch
		}
	}
	if r.queueAvailable {
		return ModeQueue
	}
	return ModeBatch
}
