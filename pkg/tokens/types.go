package tokens

import (
	"time"
)

// TokenType tags the kind of design value a token carries.
type TokenType string

const (
	TypeColor      TokenType = "color"
	TypeSpacing    TokenType = "spacing"
	TypeTypography TokenType = "typography"
	TypeShadow     TokenType = "shadow"
	TypeBorder     TokenType = "border"
	TypeOpacity    TokenType = "opacity"
	TypeSize       TokenType = "size"
	TypeOther      TokenType = "other"
)

// allTypes is the supported set in declaration order.
var allTypes = []TokenType{
	TypeColor,
	TypeSpacing,
	TypeTypography,
	TypeShadow,
	TypeBorder,
	TypeOpacity,
	TypeSize,
	TypeOther,
}

// AllTypes returns every supported token type.
func AllTypes() []TokenType {
	out := make([]TokenType, len(allTypes))
	copy(out, allTypes)
	return out
}

// Valid reports whether t is one of the supported token types.
func (t TokenType) Valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTypes converts raw strings into token types, preserving order and
// dropping duplicates. Unknown names are kept; callers decide whether that
// matters (the cache simply has no partition for them).
func ParseTypes(names []string) []TokenType {
	seen := make(map[TokenType]bool, len(names))
	out := make([]TokenType, 0, len(names))
	for _, name := range names {
		t := TokenType(name)
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// TokenValue is a single design value as authored by a producer.
type TokenValue struct {
	Value       any       `json:"value"`
	Type        TokenType `json:"type"`
	Category    string    `json:"category"`
	Description string    `json:"description,omitempty"`
}

// TokenComponent is a token after ingestion.
//
// Timestamp is stamped by the coordinator and never moves backwards for a
// given ID.
type TokenComponent struct {
	ID        string     `json:"id"`
	Type      TokenType  `json:"type"`
	Value     TokenValue `json:"value"`
	Processed bool       `json:"processed"`
	Timestamp time.Time  `json:"timestamp"`
}
