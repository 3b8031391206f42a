// Package idpartition splits the 64-bit record identifier space between
// replicas so that each one can issue identifiers without coordinating.
package idpartition

import (
	"fmt"
	"strings"
	"sync"

	"provlog/internal/rangeset"
)

// PartitionSize is the number of identifiers owned by one role.
const PartitionSize uint64 = 1 << 56

// Role identifies which replica slot a process occupies.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
	RoleOther
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	case RoleOther:
		return "other"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole maps a configured role name to a Role. Matching is case
// insensitive and ignores surrounding whitespace.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "primary":
		return RolePrimary, nil
	case "secondary":
		return RoleSecondary, nil
	case "other":
		return RoleOther, nil
	default:
		return 0, fmt.Errorf("unknown replica role %q", name)
	}
}

// Partition is the identifier sub-range [Base, Last] owned by one role,
// together with the cursor for the next identifier to issue.
//
// NextAssignable does not check for uniqueness. Identifiers stay unique only
// while the cursor was seeded from a RangeSet covering every persisted
// identifier and the caller records each identifier once it is stored.
type Partition struct {
	role Role
	base uint64
	size uint64

	mu   sync.Mutex
	next uint64
}

// New returns the partition for role with its cursor at the partition base.
func New(role Role) *Partition {
	return newPartition(role, PartitionSize)
}

func newPartition(role Role, size uint64) *Partition {
	base := uint64(role) * size
	return &Partition{role: role, base: base, size: size, next: base}
}

// Initialize returns the partition for role with its cursor placed just past
// the highest identifier of global that falls inside the partition.
func Initialize(global *rangeset.RangeSet, role Role) *Partition {
	p := New(role)
	p.Reset(global)
	return p
}

// Reset recomputes the cursor from global. An empty partition starts at the
// base; a partition whose last identifier is taken wraps back to the base.
func (p *Partition) Reset(global *rangeset.RangeSet) {
	owned := global.Clone()
	mask := rangeset.New()
	mask.SetRange(p.base, p.base+p.size)
	owned.And(mask)

	next := p.base
	if !owned.IsEmpty() {
		next = owned.Len()
		if next > p.Last() {
			next = p.base
		}
	}

	p.mu.Lock()
	p.next = next
	p.mu.Unlock()
}

// NextAssignable returns the cursor and advances it, wrapping to the base
// after the last identifier of the partition.
func (p *Partition) NextAssignable() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	if p.next >= p.Last() {
		p.next = p.base
	} else {
		p.next++
	}
	return id
}

// Peek returns the identifier NextAssignable would return, without advancing.
func (p *Partition) Peek() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func (p *Partition) Role() Role   { return p.role }
func (p *Partition) Base() uint64 { return p.base }

// Last returns the highest identifier in the partition.
func (p *Partition) Last() uint64 { return p.base + p.size - 1 }

// Contains reports whether id belongs to this partition.
func (p *Partition) Contains(id uint64) bool {
	return id >= p.base && id <= p.Last()
}
