// Package export implements the export model: the typed record that makes
// a cluster volume visible to initiators, either as a raw block device or
// as an iSCSI logical unit with an IQN-filter access list.
package export

import (
	"errors"
	"fmt"

	"github.com/OznOg/exanodes-lum/internal/wire"
)

// Type distinguishes the two export kinds.
type Type int

const (
	// Bdev exposes a volume as a local block device.
	Bdev Type = iota
	// Iscsi exposes a volume as an iSCSI logical unit.
	Iscsi
	// TypeInvalid is returned by Type() for a nil *Export.
	TypeInvalid
)

// MaxPath bounds a bdev export's device path length.
const MaxPath = 255

// MaxFilters bounds the number of IQN filters an iSCSI export may carry.
const MaxFilters = 32

var (
	// ErrTooManyFilters is returned by AddIqnFilter past MaxFilters.
	ErrTooManyFilters = errors.New("too many iqn filters")
	// ErrDuplicateFilter is returned by AddIqnFilter for a pattern already present.
	ErrDuplicateFilter = errors.New("duplicate iqn filter")
	// ErrFilterNotFound is returned by RemoveIqnFilter for an absent pattern.
	ErrFilterNotFound = errors.New("iqn filter not found")
	// ErrWrongType is returned by variant-specific accessors used on the wrong type.
	ErrWrongType = errors.New("export: wrong method for export type")
	// ErrInvalidValue flags a value outside its domain (e.g. an out-of-range LUN).
	ErrInvalidValue = errors.New("export: invalid value")
	// ErrBufferTooSmall is returned by Serialize/Deserialize on undersized buffers.
	ErrBufferTooSmall = errors.New("export: buffer too small")
)

// Export is a sum type over Bdev and Iscsi exports. The zero value is not a
// valid export; use NewBdev or NewIscsi.
type Export struct {
	typ      Type
	uuid     wire.UUID
	readonly bool

	// Bdev fields.
	path string

	// Iscsi fields.
	lun          uint64
	filterPolicy wire.FilterPolicy
	filters      []wire.IqnFilter
}

// NewBdev constructs a block-device export.
func NewBdev(uuid wire.UUID, path string) (*Export, error) {
	if len(path) > MaxPath {
		return nil, fmt.Errorf("%w: path exceeds %d bytes", ErrInvalidValue, MaxPath)
	}
	return &Export{typ: Bdev, uuid: uuid, path: path}, nil
}

// NewIscsi constructs an iSCSI export with an initially empty filter list.
func NewIscsi(uuid wire.UUID, lun uint64, policy wire.FilterPolicy) (*Export, error) {
	if !wire.LUNIsValid(lun) {
		return nil, fmt.Errorf("%w: lun %d", ErrInvalidValue, lun)
	}
	if !policy.IsValid() {
		return nil, fmt.Errorf("%w: filter policy %v", ErrInvalidValue, policy)
	}
	return &Export{typ: Iscsi, uuid: uuid, lun: lun, filterPolicy: policy}, nil
}

// Type returns the export's type.
func (e *Export) Type() Type {
	if e == nil {
		return TypeInvalid
	}
	return e.typ
}

// UUID returns the export's identity.
func (e *Export) UUID() wire.UUID { return e.uuid }

// IsReadonly reports the export's read-only flag.
func (e *Export) IsReadonly() bool { return e.readonly }

// SetReadonly sets the export's read-only flag.
func (e *Export) SetReadonly(ro bool) { e.readonly = ro }

// BdevPath returns the export's device path, or "" if e is not a Bdev export.
func (e *Export) BdevPath() string {
	if e.typ != Bdev {
		return ""
	}
	return e.path
}

// IscsiLUN returns the export's LUN, or wire.NoLUN if e is not an Iscsi export.
func (e *Export) IscsiLUN() uint64 {
	if e.typ != Iscsi {
		return wire.NoLUN
	}
	return e.lun
}

// SetLUN changes the LUN of an iSCSI export.
func (e *Export) SetLUN(lun uint64) error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	if !wire.LUNIsValid(lun) {
		return fmt.Errorf("%w: lun %d", ErrInvalidValue, lun)
	}
	e.lun = lun
	return nil
}

// FilterPolicy returns the export's default filter policy.
func (e *Export) FilterPolicy() wire.FilterPolicy {
	if e.typ != Iscsi {
		return wire.FilterNone
	}
	return e.filterPolicy
}

// SetFilterPolicy changes the export's default filter policy.
func (e *Export) SetFilterPolicy(policy wire.FilterPolicy) error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	if !policy.IsValid() {
		return fmt.Errorf("%w: policy %v", ErrInvalidValue, policy)
	}
	e.filterPolicy = policy
	return nil
}

// Filters returns the export's filter list, in insertion order. The slice
// must not be mutated by the caller.
func (e *Export) Filters() []wire.IqnFilter {
	return e.filters
}

// AddIqnFilter appends a filter, preserving insertion order.
func (e *Export) AddIqnFilter(pattern wire.IQN, policy wire.FilterPolicy) error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	if len(e.filters) >= MaxFilters {
		return ErrTooManyFilters
	}
	for _, f := range e.filters {
		if f.Pattern.IsEqual(pattern) {
			return ErrDuplicateFilter
		}
	}
	f, ok := wire.SetFilter(pattern, policy)
	if !ok {
		return fmt.Errorf("%w: pattern=%q policy=%v", ErrInvalidValue, pattern, policy)
	}
	e.filters = append(e.filters, f)
	return nil
}

// RemoveIqnFilter removes the filter matching pattern exactly, compacting
// the list by shifting (order of remaining filters is preserved).
func (e *Export) RemoveIqnFilter(pattern wire.IQN) error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	for i, f := range e.filters {
		if f.Pattern.IsEqual(pattern) {
			e.filters = append(e.filters[:i], e.filters[i+1:]...)
			return nil
		}
	}
	return ErrFilterNotFound
}

// ClearIqnFilters removes every filter.
func (e *Export) ClearIqnFilters() error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	e.filters = nil
	return nil
}

// ClearIqnFiltersPolicy removes every filter whose policy equals policy.
func (e *Export) ClearIqnFiltersPolicy(policy wire.FilterPolicy) error {
	if e.typ != Iscsi {
		return ErrWrongType
	}
	kept := e.filters[:0:0]
	for _, f := range e.filters {
		if f.Policy != policy {
			kept = append(kept, f)
		}
	}
	e.filters = kept
	return nil
}

// PolicyForIqn returns the policy of the first filter matching iqn, else
// the export's default policy. This is what decides LUN visibility for an
// initiator.
func (e *Export) PolicyForIqn(iqn wire.IQN) wire.FilterPolicy {
	if e.typ != Iscsi {
		return wire.FilterNone
	}
	for _, f := range e.filters {
		if policy, ok := f.Matches(iqn); ok {
			return policy
		}
	}
	return e.filterPolicy
}

// CopyIqnFilters replaces e's filter list and default policy with src's;
// both exports must be Iscsi.
func (e *Export) CopyIqnFilters(src *Export) error {
	if e.typ != Iscsi || src.typ != Iscsi {
		return ErrWrongType
	}
	e.filterPolicy = src.filterPolicy
	e.filters = append([]wire.IqnFilter(nil), src.filters...)
	return nil
}

// IsEqual compares type, UUID, readonly and, for iSCSI exports, lun +
// policy + filter list in order.
func (e *Export) IsEqual(other *Export) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.typ != other.typ || e.uuid != other.uuid || e.readonly != other.readonly {
		return false
	}
	switch e.typ {
	case Bdev:
		return e.path == other.path
	case Iscsi:
		if e.lun != other.lun || e.filterPolicy != other.filterPolicy {
			return false
		}
		if len(e.filters) != len(other.filters) {
			return false
		}
		for i := range e.filters {
			if !e.filters[i].IsEqual(other.filters[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of e.
func (e *Export) Clone() *Export {
	if e == nil {
		return nil
	}
	c := *e
	c.filters = append([]wire.IqnFilter(nil), e.filters...)
	return &c
}
