// Package room tracks room membership and decides who may join which room.
package room

import (
	"log/slog"
	"sort"
	"sync"
)

// Member is a connection that can be placed in rooms.
type Member interface {
	// ID returns the connection's unique id.
	ID() string
	// Deliver queues an encoded frame for the connection. It must not block
	// and reports false when the frame was not accepted.
	Deliver(frame []byte) bool
}

// Registry maps rooms to their current members. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]Member
	byMember map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]Member),
		byMember: make(map[string]map[string]struct{}),
	}
}

// Add places m in room. It reports false when m was already a member.
func (r *Registry) Add(room string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	if _, exists := members[m.ID()]; exists {
		return false
	}
	members[m.ID()] = m

	joined, ok := r.byMember[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.byMember[m.ID()] = joined
	}
	joined[room] = struct{}{}

	slog.Debug("Room member added", "room", room, "session_id", m.ID(), "members", len(members))
	return true
}

// Remove takes memberID out of room. It reports false when it was not a member.
func (r *Registry) Remove(room, memberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(room, memberID)
}

func (r *Registry) removeLocked(room, memberID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, exists := members[memberID]; !exists {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.byMember[memberID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byMember, memberID)
		}
	}
	return true
}

// RemoveAll takes memberID out of every room and returns the rooms it left.
func (r *Registry) RemoveAll(memberID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byMember[memberID]
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		r.removeLocked(room, memberID)
	}
	sort.Strings(left)
	return left
}

// Members returns a snapshot of room's members.
func (r *Registry) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// IsMember reports whether memberID is in room.
func (r *Registry) IsMember(room, memberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][memberID]
	return ok
}

// RoomsOf returns the rooms memberID is in, sorted.
func (r *Registry) RoomsOf(memberID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.byMember[memberID]
	out := make([]string, 0, len(joined))
	for room := range joined {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of non-empty rooms and total memberships.
func (r *Registry) Stats() (rooms, memberships int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, members := range r.rooms {
		memberships += len(members)
	}
	return len(r.rooms), memberships
}
