// Package gateway implements the canvas sync protocol for one connection at
// a time, independent of the transport that carries frames.
//
// A session is Detached until it attaches to a canvas. While attached it may
// send document updates, which are merged and rebroadcast to the rest of
// the canvas, and awareness states, which are only rebroadcast. Input for
// any other canvas, or input that cannot be decoded, is dropped.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"

	apperrors "github.com/tripboard/tripboard/internal/platform/errors"
	"github.com/tripboard/tripboard/internal/platform/telemetry/metrics"
	"github.com/tripboard/tripboard/internal/services/canvas/broadcast"
	"github.com/tripboard/tripboard/internal/services/canvas/registry"
)

// DocumentRegistry is the registry surface the gateway drives.
type DocumentRegistry interface {
	GetOrCreate(ctx context.Context, canvasID string) (*registry.Handle, error)
	Connect(canvasID, socketID string) error
	Disconnect(socketID string) (string, bool)
	ApplyUpdateFunc(ctx context.Context, canvasID string, update []byte, applied func()) bool
	MergeRemote(canvasID string, update []byte) bool
}

// Emitter fans events out to a delivery group.
type Emitter interface {
	EmitToRoom(roomKey, event string, payload any, opts ...broadcast.EmitOption) int
}

// Membership manages delivery group membership.
type Membership interface {
	Join(roomKey string, peer broadcast.Peer)
	Leave(roomKey string, peer broadcast.Peer) bool
	LeaveAll(peer broadcast.Peer)
}

// Gateway opens protocol sessions.
type Gateway struct {
	registry DocumentRegistry
	emitter  Emitter
	groups   Membership
	metrics  *metrics.Canvas
}

// New builds a gateway. A nil metrics records nothing.
func New(reg DocumentRegistry, emitter Emitter, groups Membership, m *metrics.Canvas) *Gateway {
	return &Gateway{registry: reg, emitter: emitter, groups: groups, metrics: m}
}

// Session is the protocol state of one connection.
type Session struct {
	gw   *Gateway
	peer broadcast.Peer

	mu       sync.Mutex
	attached bool
	roomID   string
	canvasID string
	closed   bool
}

// Open starts a session for peer.
func (g *Gateway) Open(peer broadcast.Peer) *Session {
	return &Session{gw: g, peer: peer}
}

// CanvasID returns the attached canvas, if any.
func (s *Session) CanvasID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canvasID, s.attached
}

// Handle processes one client event. It never fails; bad input is dropped.
func (s *Session) Handle(ctx context.Context, event string, data json.RawMessage) {
	switch event {
	case EventAttach:
		s.attach(ctx, data)
	case EventDetach:
		s.detach(ctx, data)
	case EventUpdate:
		s.update(ctx, data)
	case EventAwareness:
		s.awareness(data)
	default:
		log.Printf("canvas: socket %s sent unknown event %q", s.peer.ID(), event)
	}
}

func (s *Session) attach(ctx context.Context, data json.RawMessage) {
	var req attachRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("canvas: socket %s sent malformed attach: %v", s.peer.ID(), err)
		return
	}
	roomID := strings.TrimSpace(req.RoomID)
	canvasID := strings.TrimSpace(req.CanvasID)
	if canvasID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.attached && s.canvasID != canvasID {
		s.detachLocked(ctx)
	}

	s.gw.groups.Join(canvasID, s.peer)
	handle, err := s.connect(ctx, canvasID)
	if err != nil {
		if !s.attached {
			s.gw.groups.Leave(canvasID, s.peer)
		}
		log.Printf("canvas: socket %s attach %s: %v", s.peer.ID(), canvasID, err)
		s.send(EventError, errorReply{
			Event:   EventAttach,
			Code:    string(apperrors.GetCode(err)),
			Message: "could not load canvas",
		})
		return
	}

	if !s.attached {
		s.gw.metrics.ConnectionAttached(ctx)
	}
	s.attached = true
	s.roomID = roomID
	s.canvasID = canvasID
	s.send(EventAttached, attachedReply{
		DocKey: DocKey(roomID, canvasID),
		Update: handle.StateVector(),
	})
}

// connect loads the document and records the connection, retrying once when
// the document is evicted between the two steps.
func (s *Session) connect(ctx context.Context, canvasID string) (*registry.Handle, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		handle, err := s.gw.registry.GetOrCreate(ctx, canvasID)
		if err != nil {
			return nil, err
		}
		err = s.gw.registry.Connect(canvasID, s.peer.ID())
		if err == nil {
			return handle, nil
		}
		if apperrors.GetCode(err) != apperrors.CodeCanvasNotLoaded {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Session) detach(ctx context.Context, data json.RawMessage) {
	var req detachRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("canvas: socket %s sent malformed detach: %v", s.peer.ID(), err)
			return
		}
	}
	canvasID := strings.TrimSpace(req.CanvasID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.attached && (canvasID == "" || canvasID == s.canvasID) {
		s.detachLocked(ctx)
	}
	s.send(EventDetached, detachedReply{})
}

func (s *Session) detachLocked(ctx context.Context) {
	s.gw.groups.Leave(s.canvasID, s.peer)
	s.gw.registry.Disconnect(s.peer.ID())
	s.gw.metrics.ConnectionDetached(ctx)
	s.attached = false
	s.roomID = ""
	s.canvasID = ""
}

func (s *Session) update(ctx context.Context, data json.RawMessage) {
	var msg updateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("canvas: socket %s sent malformed update: %v", s.peer.ID(), err)
		return
	}
	canvasID, ok := s.attachedTo(msg.CanvasID)
	if !ok || len(msg.Update) == 0 {
		return
	}
	// Emitting under the document lock keeps broadcast order equal to
	// apply order. EmitToRoom only queues frames.
	s.gw.registry.ApplyUpdateFunc(ctx, canvasID, msg.Update, func() {
		s.gw.emitter.EmitToRoom(canvasID, EventUpdate, updateMessage{
			CanvasID: canvasID,
			Update:   msg.Update,
		}, broadcast.ExceptSocket(s.peer.ID()))
	})
}

func (s *Session) awareness(data json.RawMessage) {
	var req awarenessRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("canvas: socket %s sent malformed awareness: %v", s.peer.ID(), err)
		return
	}
	canvasID, ok := s.attachedTo(req.CanvasID)
	if !ok {
		return
	}
	s.gw.emitter.EmitToRoom(canvasID, EventAwareness, awarenessMessage{
		SocketID: s.peer.ID(),
		State:    req.State,
	}, broadcast.ExceptSocket(s.peer.ID()))
}

func (s *Session) attachedTo(canvasID string) (string, bool) {
	canvasID = strings.TrimSpace(canvasID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.attached || canvasID != s.canvasID {
		return "", false
	}
	return canvasID, true
}

// Close runs disconnect cleanup. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.attached {
		s.gw.metrics.ConnectionDetached(context.Background())
		s.attached = false
	}
	s.gw.groups.LeaveAll(s.peer)
	s.gw.registry.Disconnect(s.peer.ID())
}

func (s *Session) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("canvas: encode %s: %v", event, err)
		return
	}
	if !s.peer.Send(event, data) {
		log.Printf("canvas: socket %s send queue full, dropped %s", s.peer.ID(), event)
	}
}

// HandleRemote merges document updates relayed from another instance into
// the local document. Other events need no local state.
func (g *Gateway) HandleRemote(env broadcast.Envelope) {
	if env.Event != EventUpdate {
		return
	}
	var msg updateMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		log.Printf("canvas: malformed relayed update for %s: %v", env.Room, err)
		return
	}
	g.registry.MergeRemote(msg.CanvasID, msg.Update)
}
