package tokens

import (
	"encoding/json"
	"sort"
	"time"
)

// TokenState is an immutable snapshot of token components.
//
// The component map is private and copied on the way in and out, so a
// state handed to one subscriber can never be changed by another.
type TokenState struct {
	components map[string]TokenComponent
	timestamp  time.Time
}

// NewTokenState builds a snapshot from components. The map is copied.
func NewTokenState(components map[string]TokenComponent, ts time.Time) TokenState {
	copied := make(map[string]TokenComponent, len(components))
	for id, c := range components {
		copied[id] = c
	}
	return TokenState{components: copied, timestamp: ts}
}

// EmptyState returns a state with no components.
func EmptyState(ts time.Time) TokenState {
	return TokenState{components: map[string]TokenComponent{}, timestamp: ts}
}

// Components returns a copy of the component map.
func (s TokenState) Components() map[string]TokenComponent {
	out := make(map[string]TokenComponent, len(s.components))
	for id, c := range s.components {
		out[id] = c
	}
	return out
}

// Timestamp is when the snapshot was built.
func (s TokenState) Timestamp() time.Time {
	return s.timestamp
}

// Len returns the number of components.
func (s TokenState) Len() int {
	return len(s.components)
}

// IsEmpty reports whether the state holds no components.
func (s TokenState) IsEmpty() bool {
	return len(s.components) == 0
}

// Get returns the component with the given id.
func (s TokenState) Get(id string) (TokenComponent, bool) {
	c, ok := s.components[id]
	return c, ok
}

// IDs returns component ids in sorted order.
func (s TokenState) IDs() []string {
	ids := make([]string, 0, len(s.components))
	for id := range s.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Filter returns a new state holding only components of type t.
func (s TokenState) Filter(t TokenType) TokenState {
	out := make(map[string]TokenComponent)
	for id, c := range s.components {
		if c.Type == t {
			out[id] = c
		}
	}
	return TokenState{components: out, timestamp: s.timestamp}
}

type stateJSON struct {
	Components map[string]TokenComponent `json:"components"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// MarshalJSON encodes the state as {"components": ..., "timestamp": ...}.
func (s TokenState) MarshalJSON() ([]byte, error) {
	components := s.components
	if components == nil {
		components = map[string]TokenComponent{}
	}
	return json.Marshal(stateJSON{Components: components, Timestamp: s.timestamp})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (s *TokenState) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewTokenState(raw.Components, raw.Timestamp)
	return nil
}
