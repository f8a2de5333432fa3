package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The persistence backend forbids dots in document keys, so map keys are
// passed through a reversible escape at the storage boundary: every '.'
// becomes '~' and every '~' becomes '.'. The swap is an involution, so
// encoding and decoding are the same transform and any key round-trips.

// EncodeKey escapes a single map key for persistence.
func EncodeKey(key string) string {
	return swapKeyRunes(key)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key string) string {
	return swapKeyRunes(key)
}

func swapKeyRunes(key string) string {
	if !strings.ContainsAny(key, ".~") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case '.':
			b.WriteRune('~')
		case '~':
			b.WriteRune('.')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// marshalDocument serializes the document with every map key escaped.
func marshalDocument(doc *Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("reshape state: %w", err)
	}
	encoded, err := json.Marshal(mapKeys(tree))
	if err != nil {
		return nil, fmt.Errorf("encode state keys: %w", err)
	}
	return encoded, nil
}

// unmarshalDocument reverses marshalDocument.
func unmarshalDocument(data []byte) (*Document, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	decoded, err := json.Marshal(mapKeys(tree))
	if err != nil {
		return nil, fmt.Errorf("decode state keys: %w", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(decoded, doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return doc, nil
}

// cloneRoot deep-copies a root state via a JSON round-trip.
func cloneRoot(root *RootState) (*RootState, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("clone root state: %w", err)
	}
	out := &RootState{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("clone root state: %w", err)
	}
	return out, nil
}

// cloneChat deep-copies a chat state via a JSON round-trip.
func cloneChat(chat *ChatState) (*ChatState, error) {
	raw, err := json.Marshal(chat)
	if err != nil {
		return nil, fmt.Errorf("clone chat state: %w", err)
	}
	out := &ChatState{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("clone chat state: %w", err)
	}
	return out, nil
}

// mapKeys walks a decoded JSON tree swapping every map key.
func mapKeys(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[swapKeyRunes(key)] = mapKeys(child)
		}
		return out
	case []any:
		for i, child := range v {
			v[i] = mapKeys(child)
		}
		return v
	default:
		return node
	}
}
