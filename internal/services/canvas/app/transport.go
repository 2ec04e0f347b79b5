package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/tripboard/tripboard/internal/platform/id"
	"github.com/tripboard/tripboard/internal/services/canvas/gateway"
)

const (
	maxFramePayloadBytes = 1 << 20
	maxFramesPerSecond   = 200
	sendQueueSize        = 256
)

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsPeer is one websocket connection. Frames are queued on send and written
// by a single writer goroutine.
type wsPeer struct {
	id        string
	conn      *websocket.Conn
	send      chan wsFrame
	done      chan struct{}
	closeOnce sync.Once
}

func newWSPeer(socketID string, conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		id:   socketID,
		conn: conn,
		send: make(chan wsFrame, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(event string, data json.RawMessage) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- wsFrame{Event: event, Data: data}:
		return true
	default:
		return false
	}
}

func (p *wsPeer) writeLoop() {
	for {
		select {
		case frame := <-p.send:
			if err := websocket.JSON.Send(p.conn, frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// transport serves /up and the /ws endpoint and tracks open connections so
// shutdown can close them.
type transport struct {
	gateway *gateway.Gateway
	mux     *http.ServeMux

	mu    sync.Mutex
	peers map[*wsPeer]struct{}
	wg    sync.WaitGroup
}

func newTransport(gw *gateway.Gateway) *transport {
	t := &transport{
		gateway: gw,
		mux:     http.NewServeMux(),
		peers:   make(map[*wsPeer]struct{}),
	}
	t.mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(t.serveConn)
	t.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return t
}

// NewHandler creates the canvas HTTP routes around gw.
func NewHandler(gw *gateway.Gateway) http.Handler {
	return newTransport(gw)
}

func (t *transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mux.ServeHTTP(w, r)
}

func (t *transport) serveConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	socketID, err := id.NewID()
	if err != nil {
		log.Printf("canvas: allocate socket id: %v", err)
		return
	}
	peer := newWSPeer(socketID, conn)
	if !t.track(peer) {
		return
	}
	defer t.untrack(peer)
	go peer.writeLoop()
	defer peer.close()

	session := t.gateway.Open(peer)
	defer session.Close()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	for {
		var raw []byte
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				log.Printf("canvas: socket %s frame too large, dropped", socketID)
				continue
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			if framesInWindow == maxFramesPerSecond+1 {
				log.Printf("canvas: socket %s exceeded %d frames/s, dropping", socketID, maxFramesPerSecond)
			}
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		session.Handle(ctx, frame.Event, frame.Data)
	}
}

func (t *transport) track(peer *wsPeer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peers == nil {
		return false
	}
	t.peers[peer] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *transport) untrack(peer *wsPeer) {
	t.mu.Lock()
	delete(t.peers, peer)
	t.mu.Unlock()
	t.wg.Done()
}

// closeAll closes every connection, refuses new ones, and waits for their
// cleanup or ctx.
func (t *transport) closeAll(ctx context.Context) error {
	t.mu.Lock()
	peers := t.peers
	t.peers = nil
	t.mu.Unlock()
	for peer := range peers {
		peer.close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
