// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// HashAttributes computes the canonical content hash of a record's attributes.
//
// Attributes are stably sorted by name, their canonical renderings are concatenated
// without a separator, and the SHA-256 digest of the UTF-8 bytes is returned as
// lowercase hex. The result does not depend on the input order.
func HashAttributes(attrs []Attribute) string {
	sorted := slices.Clone(attrs)
	sortAttributes(sorted)

	var b strings.Builder
	for _, a := range sorted {
		b.WriteString(a.Value.Canonical())
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// HashStrings hashes plain strings by treating each one as an attribute whose
// name equals its value.
func HashStrings(values []string) string {
	attrs := make([]Attribute, len(values))
	for i, v := range values {
		attrs[i] = Attribute{Name: v, Value: StringValue(v)}
	}
	return HashAttributes(attrs)
}

// HashRecord returns the per-record hash used during reconciliation.
func HashRecord(e Entity) string {
	return HashAttributes(e.Attributes)
}

// HashEntity returns the aggregate hash of an entity table: the string hash of
// "id:recordHash" for every record. An empty table hashes the empty string.
func HashEntity(records []Entity) string {
	items := make([]string, len(records))
	for i, r := range records {
		items[i] = r.ID + ":" + HashRecord(r)
	}
	return HashStrings(items)
}

// RecordHashes returns the per-record hashes of records keyed by record id.
func RecordHashes(records []Entity) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.ID] = HashRecord(r)
	}
	return out
}

func sortAttributes(attrs []Attribute) {
	slices.SortStableFunc(attrs, func(a, b Attribute) int {
		return cmp.Compare(a.Name, b.Name)
	})
}
