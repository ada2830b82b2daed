package coordinator

import (
	"sort"

	"github.com/gnana997/tokensync/pkg/tokens"
)

// Callback receives a filtered snapshot on each flush.
type Callback func(state tokens.TokenState)

type subscription struct {
	id int64
	cb Callback
}

// registry holds per-type subscribers in registration order.
//
// Not safe for concurrent use; the coordinator guards it with its mutex.
type registry struct {
	nextID int64
	byType map[tokens.TokenType][]subscription
}

func newRegistry() *registry {
	return &registry{byType: make(map[tokens.TokenType][]subscription)}
}

// add registers cb under t and returns its registration id.
func (r *registry) add(t tokens.TokenType, cb Callback) int64 {
	r.nextID++
	r.byType[t] = append(r.byType[t], subscription{id: r.nextID, cb: cb})
	return r.nextID
}

// remove drops the registration. Unknown ids are ignored.
func (r *registry) remove(t tokens.TokenType, id int64) bool {
	subs := r.byType[t]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		// Build a new slice; a flush may still hold the old one.
		next := make([]subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)
		if len(next) == 0 {
			delete(r.byType, t)
		} else {
			r.byType[t] = next
		}
		return true
	}
	return false
}

// snapshot copies the callbacks registered for t.
func (r *registry) snapshot(t tokens.TokenType) []Callback {
	subs := r.byType[t]
	out := make([]Callback, len(subs))
	for i, s := range subs {
		out[i] = s.cb
	}
	return out
}

// types returns every type with at least one subscriber, sorted.
func (r *registry) types() []tokens.TokenType {
	out := make([]tokens.TokenType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// len returns the total number of registrations.
func (r *registry) len() int {
	n := 0
	for _, subs := range r.byType {
		n += len(subs)
	}
	return n
}
