// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"context"
	"fmt"
)

// Restriction is a policy constraint evaluated before a local mutation is queued.
type Restriction interface {
	// Entity is the entity the restriction applies to.
	Entity() string
	// Check returns an error describing the violation, or nil.
	Check(ctx context.Context, counter RowCounter) error
}

// MaxCountRestriction limits the number of local records of an entity.
type MaxCountRestriction struct {
	EntityName string
	MaxCount   int
}

func (r MaxCountRestriction) Entity() string { return r.EntityName }

func (r MaxCountRestriction) Check(ctx context.Context, counter RowCounter) error {
	n, err := counter.Count(ctx, r.EntityName)
	if err != nil {
		return DatabaseError("count "+r.EntityName, err)
	}
	if n >= r.MaxCount {
		return NotPermittedError("insert "+r.EntityName,
			fmt.Errorf("entity %s reached the maximum of %d records", r.EntityName, r.MaxCount))
	}
	return nil
}

// RestrictionValidator holds the active restrictions. It keeps no state
// between calls and is safe for concurrent use.
type RestrictionValidator struct {
	counter      RowCounter
	restrictions []Restriction
}

func NewRestrictionValidator(counter RowCounter, restrictions ...Restriction) *RestrictionValidator {
	return &RestrictionValidator{counter: counter, restrictions: restrictions}
}

// Validate evaluates every restriction targeting entity and fails on the first
// violation with ErrOperationNotPermitted.
func (v *RestrictionValidator) Validate(ctx context.Context, entity string) error {
	if v == nil {
		return nil
	}
	for _, r := range v.restrictions {
		if r.Entity() != entity {
			continue
		}
		if err := r.Check(ctx, v.counter); err != nil {
			if KindOf(err) == 0 {
				return NotPermittedError("validate "+entity, err)
			}
			return err
		}
	}
	return nil
}
