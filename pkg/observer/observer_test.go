package observer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dagstack/orchard/pkg/logging"
)

// captureObserver records every delivered event.
type captureObserver struct {
	events []Event
}

func (o *captureObserver) OnEvent(_ context.Context, event Event) {
	o.events = append(o.events, event)
}

// panicObserver panics on every event.
type panicObserver struct {
	calls int
}

func (o *panicObserver) OnEvent(context.Context, Event) {
	o.calls++
	panic("observer misbehaved")
}

func TestManager_RegisterAndNotify(t *testing.T) {
	mgr := NewManager()
	first := &captureObserver{}
	second := &captureObserver{}
	mgr.Register(first)
	mgr.Register(second)

	event := Event{Type: EventNodeCompleted, NodeKey: "n1", TaskID: 7}
	mgr.Notify(context.Background(), event)

	for i, obs := range []*captureObserver{first, second} {
		if len(obs.events) != 1 {
			t.Fatalf("observer %d received %d events, want 1", i, len(obs.events))
		}
		got := obs.events[0]
		if got.Type != EventNodeCompleted || got.NodeKey != "n1" || got.TaskID != 7 {
			t.Errorf("observer %d event = %+v", i, got)
		}
	}
}

func TestManager_NotifyStampsTimestamp(t *testing.T) {
	mgr := NewManager()
	obs := &captureObserver{}
	mgr.Register(obs)

	before := time.Now()
	mgr.Notify(context.Background(), Event{Type: EventGraphStart})
	if len(obs.events) != 1 {
		t.Fatal("event not delivered")
	}
	stamped := obs.events[0].Timestamp
	if stamped.IsZero() {
		t.Error("zero timestamp was not stamped")
	}
	if stamped.Before(before) || stamped.After(time.Now()) {
		t.Errorf("stamped timestamp %v outside notify window", stamped)
	}

	// An explicit timestamp is preserved.
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mgr.Notify(context.Background(), Event{Type: EventGraphEnd, Timestamp: fixed})
	if got := obs.events[1].Timestamp; !got.Equal(fixed) {
		t.Errorf("explicit timestamp = %v, want %v", got, fixed)
	}
}

func TestManager_RegisterNilIgnored(t *testing.T) {
	mgr := NewManager()
	mgr.Register(nil)
	// Delivery must not panic with a nil registration dropped.
	mgr.Notify(context.Background(), Event{Type: EventGraphStart})
}

func TestManager_PanicIsolation(t *testing.T) {
	mgr := NewManager()
	bad := &panicObserver{}
	good := &captureObserver{}
	mgr.Register(bad)
	mgr.Register(good)

	// A panicking observer must not take the run down nor starve the
	// observers after it.
	mgr.Notify(context.Background(), Event{Type: EventNodeFailed, NodeKey: "boom"})
	if bad.calls != 1 {
		t.Errorf("panicking observer calls = %d, want 1", bad.calls)
	}
	if len(good.events) != 1 {
		t.Errorf("observer after the panicking one received %d events, want 1", len(good.events))
	}
}

func TestLoggingObserver(t *testing.T) {
	tests := []struct {
		name      string
		event     Event
		wantLevel string
		wantMsg   string
	}{
		{
			name:      "failure logs at warn",
			event:     Event{Type: EventNodeFailed, NodeKey: "n1", TaskID: 3, Err: errors.New("exit 1")},
			wantLevel: "WARN",
			wantMsg:   "node failed",
		},
		{
			name:      "retry logs at warn",
			event:     Event{Type: EventNodeRetried, NodeKey: "n1"},
			wantLevel: "WARN",
			wantMsg:   "node retried",
		},
		{
			name:      "eviction logs at warn",
			event:     Event{Type: EventWorkerEvicted},
			wantLevel: "WARN",
			wantMsg:   "worker evicted",
		},
		{
			name:      "completion logs at debug",
			event:     Event{Type: EventNodeCompleted, NodeKey: "n2"},
			wantLevel: "DEBUG",
			wantMsg:   "execution event",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := logging.New(logging.Config{Level: "debug", Output: &buf, Pretty: false})
			obs := NewLoggingObserver(logger)

			obs.OnEvent(context.Background(), tt.event)

			out := buf.String()
			if !strings.Contains(out, tt.wantLevel) {
				t.Errorf("output lacks level %s: %q", tt.wantLevel, out)
			}
			if !strings.Contains(out, tt.wantMsg) {
				t.Errorf("output lacks message %q: %q", tt.wantMsg, out)
			}
			if tt.event.NodeKey != "" && !strings.Contains(out, tt.event.NodeKey) {
				t.Errorf("output lacks node key %q: %q", tt.event.NodeKey, out)
			}
		})
	}
}

func TestLoggingObserver_NilLogger(t *testing.T) {
	obs := &LoggingObserver{}
	// Must be a no-op, not a nil dereference.
	obs.OnEvent(context.Background(), Event{Type: EventNodeFailed, NodeKey: "n1"})
}

func TestNoOpObserver(t *testing.T) {
	mgr := NewManager()
	mgr.Register(NoOpObserver{})
	mgr.Notify(context.Background(), Event{Type: EventGraphStart})
}
