package rooms

import (
	"sort"
	"strings"
	"sync"
)

// Registry maps room keys to the connections currently joined to them.
// Rooms exist only while they have members; unknown rooms behave as empty.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	joined  map[string]map[string]struct{}
}

// NewRegistry builds an empty Registry. One instance is owned by the server
// process and shared by the relay and the lifecycle manager.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room. It reports whether membership changed; joining a
// room twice is a no-op.
func (r *Registry) Join(connID, room string) bool {
	room = strings.TrimSpace(room)
	if connID == "" || room == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		set = make(map[string]struct{})
		r.members[room] = set
	}
	if _, ok := set[connID]; ok {
		return false
	}
	set[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connID] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// Leave removes connID from room and drops the room once it is empty. It
// reports whether connID was a member.
func (r *Registry) Leave(connID, room string) bool {
	room = strings.TrimSpace(room)
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[room]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, room)
	}

	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
	return true
}

// IsMember reports whether connID has joined room.
func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[strings.TrimSpace(room)][connID]
	return ok
}

// MembersOf returns the sorted connection ids joined to room.
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.members[strings.TrimSpace(room)])
}

// RoomsOf returns the sorted room keys connID has joined.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.joined[connID])
}

// Len returns the number of non-empty rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
