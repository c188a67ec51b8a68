package server

import (
	"sort"
	"sync"
)

// subscriber is one connection's outbound queue as seen by the Hub.
// The stream is never closed; writers select on done instead.
type subscriber struct {
	id     string
	stream chan []byte
}

func newSubscriber(id string, bufferSize int) *subscriber {
	if bufferSize <= 0 {
		bufferSize = defaultSendBuffer
	}
	return &subscriber{id: id, stream: make(chan []byte, bufferSize)}
}

// Hub tracks which connections belong to which note's broadcast group.
// It is owned by a Gateway; nothing in it is persisted.
type Hub struct {
	mu          sync.RWMutex
	groups      map[string]map[string]*subscriber
	memberships map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		groups:      make(map[string]map[string]*subscriber),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join adds the subscriber to noteID's group. Joining twice is a no-op.
func (h *Hub) Join(noteID string, member *subscriber) {
	if noteID == "" || member == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.groups[noteID]; !ok {
		h.groups[noteID] = make(map[string]*subscriber)
	}
	h.groups[noteID][member.id] = member
	if _, ok := h.memberships[member.id]; !ok {
		h.memberships[member.id] = make(map[string]struct{})
	}
	h.memberships[member.id][noteID] = struct{}{}
}

// Leave removes the connection from noteID's group.
func (h *Hub) Leave(noteID, connectionID string) {
	h.mu.Lock()
	h.removeLocked(noteID, connectionID)
	h.mu.Unlock()
}

// LeaveAll removes the connection from every group and returns the notes it was in.
func (h *Hub) LeaveAll(connectionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	notes := make([]string, 0, len(h.memberships[connectionID]))
	for noteID := range h.memberships[connectionID] {
		notes = append(notes, noteID)
	}
	for _, noteID := range notes {
		h.removeLocked(noteID, connectionID)
	}
	sort.Strings(notes)
	return notes
}

func (h *Hub) removeLocked(noteID, connectionID string) {
	if members := h.groups[noteID]; members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.groups, noteID)
		}
	}
	if notes := h.memberships[connectionID]; notes != nil {
		delete(notes, noteID)
		if len(notes) == 0 {
			delete(h.memberships, connectionID)
		}
	}
}

// Broadcast queues frame for every member of noteID's group except exclude.
// A member whose queue is full misses the frame. It returns how many members
// received and missed it.
func (h *Hub) Broadcast(noteID string, frame []byte, exclude string) (delivered, dropped int) {
	h.mu.RLock()
	members := h.groups[noteID]
	if len(members) == 0 {
		h.mu.RUnlock()
		return 0, 0
	}
	targets := make([]*subscriber, 0, len(members))
	for id, member := range members {
		if id == exclude {
			continue
		}
		targets = append(targets, member)
	}
	h.mu.RUnlock()

	for _, member := range targets {
		select {
		case member.stream <- frame:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

// Members returns the sorted connection ids in noteID's group.
func (h *Hub) Members(noteID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.groups[noteID]))
	for id := range h.groups[noteID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
