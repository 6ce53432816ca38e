package server

import (
	"slices"
	"sync"

	"github.com/npezzotti/gosocial/internal/database"
	"github.com/npezzotti/gosocial/internal/stats"
)

// Registry tracks which connections are subscribed to which chat rooms. Both
// directions of the relation are guarded by one lock so a connection is in a
// room's member set exactly when the room is in the connection's set.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]map[string]struct{}
	stats   stats.StatsProvider
}

func NewRegistry(su stats.StatsProvider) *Registry {
	return &Registry{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]map[string]struct{}),
		stats:   su,
	}
}

// Register starts tracking c. Only registered connections can join rooms.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return
	}
	r.clients[c] = make(map[string]struct{})
	r.stats.Incr(stats.Connections)
}

// Join adds c to the room for chatId and reports whether membership changed.
// Malformed ids and unregistered connections are ignored.
func (r *Registry) Join(c *Client, chatId string) bool {
	if !database.ValidChatId(chatId) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	memberships, ok := r.clients[c]
	if !ok {
		return false
	}
	if _, ok := memberships[chatId]; ok {
		return false
	}

	room := r.rooms[chatId]
	if room == nil {
		room = make(map[*Client]struct{})
		r.rooms[chatId] = room
		r.stats.Incr(stats.ActiveRooms)
	}
	room[c] = struct{}{}
	memberships[chatId] = struct{}{}

	return true
}

// Leave removes c from the room for chatId and reports whether membership
// changed.
func (r *Registry) Leave(c *Client, chatId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leaveLocked(c, chatId)
}

func (r *Registry) leaveLocked(c *Client, chatId string) bool {
	room, ok := r.rooms[chatId]
	if !ok {
		return false
	}
	if _, ok := room[c]; !ok {
		return false
	}

	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, chatId)
		r.stats.Decr(stats.ActiveRooms)
	}
	delete(r.clients[c], chatId)

	return true
}

// Disconnect removes c from every room and forgets it, returning the rooms
// it was removed from.
func (r *Registry) Disconnect(c *Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	memberships, ok := r.clients[c]
	if !ok {
		return nil
	}

	left := make([]string, 0, len(memberships))
	for chatId := range memberships {
		left = append(left, chatId)
	}
	for _, chatId := range left {
		r.leaveLocked(c, chatId)
	}

	delete(r.clients, c)
	r.stats.Decr(stats.Connections)

	slices.Sort(left)
	return left
}

// CloseRoom empties the room for chatId and returns its former members.
func (r *Registry) CloseRoom(chatId string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]*Client, 0, len(r.rooms[chatId]))
	for c := range r.rooms[chatId] {
		members = append(members, c)
	}
	for _, c := range members {
		r.leaveLocked(c, chatId)
	}

	return members
}

// Members returns a snapshot of the connections in the room for chatId.
func (r *Registry) Members(chatId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.rooms[chatId]))
	for c := range r.rooms[chatId] {
		members = append(members, c)
	}
	return members
}

func (r *Registry) InRoom(c *Client, chatId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.clients[c][chatId]
	return ok
}

// rooms returns the sorted chat ids c is subscribed to.
func (r *Registry) rooms(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.clients[c]))
	for chatId := range r.clients[c] {
		rooms = append(rooms, chatId)
	}
	slices.Sort(rooms)
	return rooms
}

func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}
