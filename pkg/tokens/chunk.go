package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// TokenChunk is a versioned batch of tokens as published by a producer.
//
// Dependencies record the intended load order between chunks. Nothing in
// this module enforces it.
type TokenChunk struct {
	ID           string                `json:"id"`
	Tokens       map[string]TokenValue `json:"tokens"`
	Dependencies []string              `json:"dependencies,omitempty"`
	Version      string                `json:"version"`
}

// Validate checks the chunk against the wire schema.
// Returns a slice of validation errors (empty slice if valid).
func (c *TokenChunk) Validate() []error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, fmt.Errorf("chunk id is required"))
	}
	if c.Version == "" {
		errs = append(errs, fmt.Errorf("chunk %q: version is required", c.ID))
	}

	for _, dep := range c.Dependencies {
		if dep == "" {
			errs = append(errs, fmt.Errorf("chunk %q: empty dependency id", c.ID))
			continue
		}
		if dep == c.ID {
			errs = append(errs, fmt.Errorf("chunk %q: depends on itself", c.ID))
		}
	}

	errs = append(errs, ValidateValues(c.Tokens)...)
	return errs
}

// ValidateValues checks a raw token mapping. Errors are reported in id
// order so the output is stable.
func ValidateValues(values map[string]TokenValue) []error {
	var errs []error

	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		v := values[id]
		if id == "" {
			errs = append(errs, fmt.Errorf("tokens: empty token id"))
			continue
		}
		if !v.Type.Valid() {
			errs = append(errs, fmt.Errorf("token %q: invalid type %q", id, v.Type))
		}
		if v.Category == "" {
			errs = append(errs, fmt.Errorf("token %q: category is required", id))
		}
		if v.Value == nil {
			errs = append(errs, fmt.Errorf("token %q: value is required", id))
		}
	}

	return errs
}

// ParseChunk decodes a chunk from JSON and validates it.
func ParseChunk(data []byte) (*TokenChunk, error) {
	var chunk TokenChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("failed to parse chunk JSON: %w", err)
	}

	if errs := chunk.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("chunk validation failed: %w", errors.Join(errs...))
	}

	return &chunk, nil
}

// LoadChunkFile reads and parses a chunk file.
func LoadChunkFile(path string) (*TokenChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk file: %w", err)
	}
	return ParseChunk(data)
}
