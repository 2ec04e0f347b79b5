// Package broadcast delivers server events to every client in a delivery
// group, optionally mirroring them to other instances through a relay.
//
// Delivery is at-most-once and never blocks the emitter: each peer owns a
// bounded send queue and a full queue drops the frame.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// outboundQueueSize bounds emissions waiting to be published to the relay.
const outboundQueueSize = 1024

// Envelope is one emission as carried between instances.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Except string          `json:"except,omitempty"`
}

// Relay carries emissions between instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes from every instance, including this one,
	// until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
}

type emitOptions struct {
	exceptSocket string
}

// EmitOption adjusts a single emission.
type EmitOption func(*emitOptions)

// ExceptSocket excludes one socket from delivery.
func ExceptSocket(socketID string) EmitOption {
	return func(o *emitOptions) {
		o.exceptSocket = socketID
	}
}

// Broadcaster fans events out to delivery groups. It drops emissions until
// a room transport is bound.
type Broadcaster struct {
	mu       sync.RWMutex
	rooms    Rooms
	relay    Relay
	onRemote func(Envelope)
	origin   string
	outbound chan Envelope
}

// NewBroadcaster returns an unbound broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{origin: uuid.NewString()}
}

// Bind attaches the room transport.
func (b *Broadcaster) Bind(rooms Rooms) {
	b.mu.Lock()
	b.rooms = rooms
	b.mu.Unlock()
}

// UseRelay mirrors emissions to other instances. onRemote, when set, sees
// every envelope received from another instance before local delivery.
// Run must be called to move envelopes.
func (b *Broadcaster) UseRelay(relay Relay, onRemote func(Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = relay
	b.onRemote = onRemote
	if b.outbound == nil {
		b.outbound = make(chan Envelope, outboundQueueSize)
	}
}

// Origin identifies this instance on the relay.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// EmitToRoom sends event to every local member of roomKey and, when a relay
// is configured, to other instances. It returns the number of local peers
// the frame was queued for.
func (b *Broadcaster) EmitToRoom(roomKey, event string, payload any, opts ...EmitOption) int {
	b.mu.RLock()
	rooms, relay, outbound := b.rooms, b.relay, b.outbound
	b.mu.RUnlock()
	if rooms == nil {
		return 0
	}

	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("canvas: encode %s for %s: %v", event, roomKey, err)
		return 0
	}

	delivered := deliver(rooms, roomKey, event, data, o.exceptSocket)
	if relay != nil {
		env := Envelope{Origin: b.origin, Room: roomKey, Event: event, Data: data, Except: o.exceptSocket}
		select {
		case outbound <- env:
		default:
			log.Printf("canvas: relay queue full, dropping %s for %s", event, roomKey)
		}
	}
	return delivered
}

func deliver(rooms Rooms, roomKey, event string, data json.RawMessage, except string) int {
	delivered := 0
	for _, peer := range rooms.Members(roomKey) {
		if except != "" && peer.ID() == except {
			continue
		}
		if peer.Send(event, data) {
			delivered++
		}
	}
	return delivered
}

// Run moves envelopes between this instance and the relay until ctx is
// done. Without a relay it just waits.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.mu.RLock()
	relay, outbound := b.relay, b.outbound
	b.mu.RUnlock()
	if relay == nil {
		<-ctx.Done()
		return nil
	}

	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- relay.Subscribe(ctx, b.receive)
	}()

	for {
		select {
		case <-ctx.Done():
			err := <-subscribeErr
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case env := <-outbound:
			if err := relay.Publish(ctx, env); err != nil {
				log.Printf("canvas: relay publish %s for %s: %v", env.Event, env.Room, err)
			}
		}
	}
}

func (b *Broadcaster) receive(env Envelope) {
	if env.Origin == b.origin {
		return
	}
	b.mu.RLock()
	rooms, onRemote := b.rooms, b.onRemote
	b.mu.RUnlock()
	if onRemote != nil {
		onRemote(env)
	}
	if rooms == nil {
		return
	}
	deliver(rooms, env.Room, env.Event, env.Data, env.Except)
}
