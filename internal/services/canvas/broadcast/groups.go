package broadcast

import (
	"encoding/json"
	"sort"
	"sync"
)

// Peer is one connected client that can receive frames.
type Peer interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was
	// queued.
	Send(event string, data json.RawMessage) bool
}

// Rooms resolves the local members of a delivery group.
type Rooms interface {
	Members(roomKey string) []Peer
}

// Groups is the in-process room transport: named delivery groups of peers.
type Groups struct {
	mu          sync.Mutex
	rooms       map[string]map[string]Peer
	memberships map[string]map[string]struct{}
}

var _ Rooms = (*Groups)(nil)

// NewGroups returns an empty group set.
func NewGroups() *Groups {
	return &Groups{
		rooms:       make(map[string]map[string]Peer),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds peer to roomKey. Joining twice is a no-op.
func (g *Groups) Join(roomKey string, peer Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.rooms[roomKey]
	if !ok {
		members = make(map[string]Peer)
		g.rooms[roomKey] = members
	}
	members[peer.ID()] = peer

	joined, ok := g.memberships[peer.ID()]
	if !ok {
		joined = make(map[string]struct{})
		g.memberships[peer.ID()] = joined
	}
	joined[roomKey] = struct{}{}
}

// Leave removes peer from roomKey and reports whether the room is now empty.
func (g *Groups) Leave(roomKey string, peer Peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leaveLocked(roomKey, peer.ID())
}

// LeaveAll removes peer from every room it joined.
func (g *Groups) LeaveAll(peer Peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for roomKey := range g.memberships[peer.ID()] {
		g.leaveLocked(roomKey, peer.ID())
	}
}

func (g *Groups) leaveLocked(roomKey, peerID string) bool {
	if joined, ok := g.memberships[peerID]; ok {
		delete(joined, roomKey)
		if len(joined) == 0 {
			delete(g.memberships, peerID)
		}
	}
	members, ok := g.rooms[roomKey]
	if !ok {
		return true
	}
	delete(members, peerID)
	if len(members) == 0 {
		delete(g.rooms, roomKey)
		return true
	}
	return false
}

// Members returns the peers in roomKey ordered by id.
func (g *Groups) Members(roomKey string) []Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := g.rooms[roomKey]
	peers := make([]Peer, 0, len(members))
	for _, peer := range members {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

// Rooms returns the room keys peer has joined, sorted.
func (g *Groups) Rooms(peer Peer) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.memberships[peer.ID()]))
	for roomKey := range g.memberships[peer.ID()] {
		keys = append(keys, roomKey)
	}
	sort.Strings(keys)
	return keys
}
