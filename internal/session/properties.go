package session

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// PropertyTransferHandle advertises the lobby's game session through a transfer handle.
	PropertyTransferHandle = "GameSessionTransferHandle"
	// PropertyJoinability stores the lobby joinability marker.
	PropertyJoinability = "Joinability"
)

var reservedProperties = map[string]struct{}{
	PropertyTransferHandle: {},
	PropertyJoinability:    {},
}

// IsReservedProperty reports whether name is an internal lobby property hidden from change events.
func IsReservedProperty(name string) bool {
	_, ok := reservedProperties[name]
	return ok
}

// Properties holds custom JSON properties keyed by name. Values are raw encoded JSON.
type Properties map[string]json.RawMessage

// NewPropertyName validates a custom property name.
func NewPropertyName(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty property name", ErrInvalidArgument)
	}
	return trimmed, nil
}

// NewPropertyValue validates that rawInput is a well-formed JSON value.
func NewPropertyValue(rawInput string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty property value", ErrInvalidArgument)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: property value is not valid json", ErrInvalidArgument)
	}
	return json.RawMessage(trimmed), nil
}

// Clone returns a shallow copy; raw values are never mutated so they can be shared.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	clone := make(Properties, len(p))
	for key, value := range p {
		clone[key] = value
	}
	return clone
}

// Names returns the property names in sorted order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Equal compares two property sets by name and encoded value.
func (p Properties) Equal(other Properties) bool {
	return p.equalExcept(other, nil)
}

// EqualIgnoringReserved compares property sets without the reserved lobby properties.
func (p Properties) EqualIgnoringReserved(other Properties) bool {
	return p.equalExcept(other, reservedProperties)
}

func (p Properties) equalExcept(other Properties, skip map[string]struct{}) bool {
	for key, value := range p {
		if _, ignored := skip[key]; ignored {
			continue
		}
		otherValue, ok := other[key]
		if !ok || !bytes.Equal(value, otherValue) {
			return false
		}
	}
	for key := range other {
		if _, ignored := skip[key]; ignored {
			continue
		}
		if _, ok := p[key]; !ok {
			return false
		}
	}
	return true
}

// ValueEqual compares a single named property across two sets.
func (p Properties) ValueEqual(other Properties, name string) bool {
	left, leftOK := p[name]
	right, rightOK := other[name]
	if leftOK != rightOK {
		return false
	}
	return bytes.Equal(left, right)
}

// String returns the decoded string value of name, or "" when absent or not a string.
func (p Properties) String(name string) string {
	raw, ok := p[name]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

// IsNull reports whether value encodes JSON null, the deletion marker of a write request.
func IsNull(value json.RawMessage) bool {
	return len(value) == 0 || bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}
