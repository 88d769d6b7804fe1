package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tidecode/tide/pkg/telemetry"
)

// SubjectPrefix is the subject namespace for agent connection events.
const SubjectPrefix = "tide.agent."

// Bridge forwards telemetry hub events onto the message bus so observers in
// other processes can follow the agent connection. Forwarding is best-effort:
// publish failures drop the event rather than stalling the hub drain.
type Bridge struct {
	bus MessageBus
	hub *telemetry.Hub

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

// NewBridge creates a bridge between the telemetry hub and the message bus.
func NewBridge(b MessageBus, h *telemetry.Hub) *Bridge {
	return &Bridge{bus: b, hub: h}
}

// Start subscribes to the hub and forwards events until Stop is called or
// the hub closes.
func (br *Bridge) Start(ctx context.Context) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if br.cancel != nil {
		return
	}

	events, unsubscribe := br.hub.Subscribe()
	br.cancel = unsubscribe
	br.done = make(chan struct{})

	go func() {
		defer close(br.done)
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				_ = br.bus.Publish(ctx, SubjectPrefix+string(event.Type), data)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unsubscribes from the hub and waits for the forwarder to drain.
func (br *Bridge) Stop() {
	br.mu.Lock()
	cancel := br.cancel
	done := br.done
	br.cancel = nil
	br.done = nil
	br.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
