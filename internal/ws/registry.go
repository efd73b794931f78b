package ws

import "sync"

// Registry tracks which clients belong to which group.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Client]struct{}
	byConn map[*Client]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]map[*Client]struct{}),
		byConn: make(map[*Client]map[string]struct{}),
	}
}

// Join adds the client to the group and reports whether it was not a member yet.
func (r *Registry) Join(group string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		r.groups[group] = members
	}
	if _, exists := members[c]; exists {
		return false
	}
	members[c] = struct{}{}

	joined, ok := r.byConn[c]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[c] = joined
	}
	joined[group] = struct{}{}
	return true
}

// Leave removes the client from the group. Empty groups are dropped.
func (r *Registry) Leave(group string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(group, c)
}

// LeaveAll removes the client from every group it joined.
func (r *Registry) LeaveAll(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for group := range r.byConn[c] {
		r.leaveLocked(group, c)
	}
}

func (r *Registry) leaveLocked(group string, c *Client) {
	if members, ok := r.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	if joined, ok := r.byConn[c]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(r.byConn, c)
		}
	}
}

// Members returns a snapshot; callers may iterate it without holding any lock.
func (r *Registry) Members(group string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[group]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// GroupsOf lists the groups the client is in.
func (r *Registry) GroupsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[c]))
	for group := range r.byConn[c] {
		out = append(out, group)
	}
	return out
}

// Len is the number of non-empty groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
