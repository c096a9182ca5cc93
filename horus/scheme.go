// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// SchemeType tells whether the client may mutate an entity.
type SchemeType string

const (
	SchemeWritable SchemeType = "writable"
	SchemeReadOnly SchemeType = "read_only"
)

// AttributeType is the declared type tag of a scheme attribute.
type AttributeType string

const (
	AttrString    AttributeType = "string"
	AttrInt       AttributeType = "int"
	AttrFloat     AttributeType = "float"
	AttrBool      AttributeType = "boolean"
	AttrTimestamp AttributeType = "timestamp"
	AttrReference AttributeType = "reference"
	AttrUUID      AttributeType = "uuid"
	AttrText      AttributeType = "text"
	AttrJSON      AttributeType = "json"
	AttrEnum      AttributeType = "enum"
)

func (t AttributeType) valid() bool {
	switch t {
	case AttrString, AttrInt, AttrFloat, AttrBool, AttrTimestamp, AttrReference,
		AttrUUID, AttrText, AttrJSON, AttrEnum:
		return true
	}
	return false
}

// Link points an attribute at another entity.
type Link struct {
	Entity  string `json:"entity"`
	Cascade bool   `json:"cascade"`
}

// AttributeScheme defines one field of an EntityScheme.
type AttributeScheme struct {
	Name     string        `json:"name"`
	Type     AttributeType `json:"type"`
	Nullable bool          `json:"nullable"`
	Version  int           `json:"version"`
	Options  []string      `json:"options,omitempty"`
	Link     *Link         `json:"link,omitempty"`
	Pattern  string        `json:"pattern,omitempty"`
}

// EntityScheme is the versioned definition of an entity type.
type EntityScheme struct {
	Name       string            `json:"entity"`
	Type       SchemeType        `json:"type"`
	Attributes []AttributeScheme `json:"attributes"`
	Version    int               `json:"current_version"`
	Related    []EntityScheme    `json:"related,omitempty"`
}

// Writable reports whether local mutations of the entity may be queued.
func (s EntityScheme) Writable() bool { return s.Type == SchemeWritable }

// Attribute returns the attribute definition with the given name.
func (s EntityScheme) Attribute(name string) (AttributeScheme, bool) {
	for _, a := range s.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeScheme{}, false
}

// Flatten returns the scheme followed by all related schemes, depth first.
func (s EntityScheme) Flatten() []EntityScheme {
	out := []EntityScheme{s}
	for _, r := range s.Related {
		out = append(out, r.Flatten()...)
	}
	return out
}

// FlattenSchemes flattens every scheme tree in order.
func FlattenSchemes(schemes []EntityScheme) []EntityScheme {
	var out []EntityScheme
	for _, s := range schemes {
		out = append(out, s.Flatten()...)
	}
	return out
}

// SchemaVersion returns the highest scheme version across all trees.
func SchemaVersion(schemes []EntityScheme) int {
	v := 0
	for _, s := range FlattenSchemes(schemes) {
		v = max(v, s.Version)
	}
	return v
}

// ValidateSchemes checks the structural invariants of a scheme list. Failures
// are reported as ErrInvalidSchema.
func ValidateSchemes(schemes []EntityScheme) error {
	names := make(map[string]struct{})
	var errs []error
	for _, s := range schemes {
		if err := validateScheme(s, names, map[string]bool{}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return InvalidSchemaError("validate schemes", errors.Join(errs...))
	}
	return nil
}

func validateScheme(s EntityScheme, names map[string]struct{}, path map[string]bool) error {
	if s.Name == "" {
		return errors.New("scheme with empty entity name")
	}
	if path[s.Name] {
		return fmt.Errorf("scheme %q: related schemes form a cycle", s.Name)
	}
	if _, dup := names[s.Name]; dup {
		return fmt.Errorf("scheme %q declared more than once", s.Name)
	}
	names[s.Name] = struct{}{}

	switch s.Type {
	case SchemeWritable, SchemeReadOnly:
	default:
		return fmt.Errorf("scheme %q: unknown type %q", s.Name, s.Type)
	}

	seen := make(map[string]struct{}, len(s.Attributes))
	for _, a := range s.Attributes {
		if a.Name == "" {
			return fmt.Errorf("scheme %q: attribute with empty name", s.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("scheme %q: duplicate attribute %q", s.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		if !a.Type.valid() {
			return fmt.Errorf("scheme %q: attribute %q has unknown type %q", s.Name, a.Name, a.Type)
		}
		if a.Version > s.Version {
			return fmt.Errorf("scheme %q: attribute %q version %d exceeds scheme version %d",
				s.Name, a.Name, a.Version, s.Version)
		}
		if a.Pattern != "" {
			if _, err := regexp.Compile(a.Pattern); err != nil {
				return fmt.Errorf("scheme %q: attribute %q pattern: %w", s.Name, a.Name, err)
			}
		}
		if a.Link != nil && a.Link.Entity == "" {
			return fmt.Errorf("scheme %q: attribute %q links to an empty entity", s.Name, a.Name)
		}
	}

	path[s.Name] = true
	defer delete(path, s.Name)
	for _, r := range s.Related {
		if err := validateScheme(r, names, path); err != nil {
			return err
		}
	}
	return nil
}

// DecodeSchemes parses and validates a migration payload.
func DecodeSchemes(data []byte) (MigrationResponse, error) {
	var resp MigrationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return MigrationResponse{}, InvalidSchemaError("decode schemes", err)
	}
	if err := ValidateSchemes(resp.Schemes); err != nil {
		return MigrationResponse{}, err
	}
	if resp.Version == 0 {
		resp.Version = SchemaVersion(resp.Schemes)
	}
	return resp, nil
}
