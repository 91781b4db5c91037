// Package registry implements the export registry: the in-memory,
// versioned, replicated catalog of exports, its XML persistence, and the
// cross-node reconciliation protocol that keeps every node's table equal
// after a membership change.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// MaxExports bounds the table's capacity.
const MaxExports = 4096

var (
	// ErrNoSpace is returned by Insert once the table is at MaxExports.
	ErrNoSpace = errors.New("registry: no space left in export table")
	// ErrNotFound is returned by operations targeting an absent UUID.
	ErrNotFound = errors.New("registry: export not found")
	// ErrDuplicateUUID is returned by Insert for a UUID already present.
	ErrDuplicateUUID = errors.New("registry: export uuid already present")
	// ErrNoLunAvailable is returned by GetNewLUN when the LUN space is exhausted.
	ErrNoLunAvailable = errors.New("registry: no lun available")
)

// AdmExport wraps an Export with the registry's "has the local LUM
// executive materialized this yet" bit.
type AdmExport struct {
	Export    *export.Export
	Published bool
}

// Table is the ordered, versioned, bounded collection of AdmExports.
// All methods are safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries []*AdmExport
	version uint64

	// persist, if set, receives the rendered XML document after every
	// successful mutation (version bump). It runs with t.mu still held, so
	// it must not call back into the table; it gets the document bytes
	// instead of re-reading them. Its error is logged, never returned to
	// the caller: a disk write failure does not unwind an already-applied
	// in-memory mutation.
	persist func(data []byte) error
}

// New returns an empty table at version 1.
func New() *Table {
	return &Table{version: 1}
}

// SetPersister installs the callback mutators invoke after each successful
// change. Typically wired to WriteExportsFile against the cache-dir path.
func (t *Table) SetPersister(fn func(data []byte) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persist = fn
}

func (t *Table) bumpVersionLocked() {
	t.version++
}

func (t *Table) persistLocked() {
	if t.persist == nil {
		return
	}
	data, err := marshalDocument(t.toXMLLocked())
	if err != nil {
		logrus.Warnf("registry: failed to render export table: %v", err)
		return
	}
	if err := t.persist(data); err != nil {
		logrus.Warnf("registry: failed to persist export table: %v", err)
	}
}

// GetVersion returns the table's current version.
func (t *Table) GetVersion() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// SetVersion forcibly sets the table's version; used only by the
// reconciliation protocol when adopting a peer's table.
func (t *Table) SetVersion(v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = v
}

// IncrementVersion bumps the version without any other change; exposed for
// callers that apply a batch of changes and want a single version bump at
// the end. The reconcile protocol does not use it: it installs the best
// node's version with SetVersion.
func (t *Table) IncrementVersion() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bumpVersionLocked()
}

// GetNumber returns the number of exports currently in the table.
func (t *Table) GetNumber() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Insert adds adm to the table. It does not permit duplicate UUIDs.
func (t *Table) Insert(adm *AdmExport) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= MaxExports {
		return ErrNoSpace
	}
	for _, e := range t.entries {
		if e.Export.UUID() == adm.Export.UUID() {
			return ErrDuplicateUUID
		}
	}
	t.entries = append(t.entries, adm)
	t.bumpVersionLocked()
	t.persistLocked()
	return nil
}

// RemoveByUUID removes the export with the given UUID, shifting remaining
// entries to fill the gap. Absence is not an error; a warning is logged
// and nothing changes.
func (t *Table) RemoveByUUID(uuid wire.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.Export.UUID() == uuid {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.bumpVersionLocked()
			t.persistLocked()
			return
		}
	}
	logrus.Warnf("registry: remove_by_uuid: %s not found", uuid)
}

// GetByUUID returns the AdmExport for uuid, or nil if absent. The returned
// pointer aliases the table's own entry; callers must not mutate the
// underlying Export directly outside the table's own mutator methods.
func (t *Table) GetByUUID(uuid wire.UUID) *AdmExport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Export.UUID() == uuid {
			return e
		}
	}
	return nil
}

// GetNth returns the nth entry (0-indexed), or nil if n is out of range.
func (t *Table) GetNth(n int) *AdmExport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n < 0 || n >= len(t.entries) {
		return nil
	}
	return t.entries[n]
}

// ForEach calls fn for every entry in table order. fn must not mutate the
// table; use the dedicated mutators for that.
func (t *Table) ForEach(fn func(*AdmExport)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		fn(e)
	}
}

// Clear empties the table without touching its version.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

// LunIsAvailable reports whether no iSCSI export currently uses lun.
func (t *Table) LunIsAvailable(lun uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Export.Type() == export.Iscsi && e.Export.IscsiLUN() == lun {
			return false
		}
	}
	return true
}

// GetNewLUN returns the lowest unused LUN, or ErrNoLunAvailable.
func (t *Table) GetNewLUN() (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	used := make(map[uint64]bool)
	for _, e := range t.entries {
		if e.Export.Type() == export.Iscsi {
			used[e.Export.IscsiLUN()] = true
		}
	}
	for lun := uint64(0); lun < wire.MaxLUNs; lun++ {
		if !used[lun] {
			return lun, nil
		}
	}
	return wire.NoLUN, ErrNoLunAvailable
}

// mutate runs fn against the AdmExport for uuid, then bumps the version and
// persists on success. This is the common path for every per-export mutator.
func (t *Table) mutate(uuid wire.UUID, fn func(*export.Export) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var adm *AdmExport
	for _, e := range t.entries {
		if e.Export.UUID() == uuid {
			adm = e
			break
		}
	}
	if adm == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err := fn(adm.Export); err != nil {
		return err
	}
	t.bumpVersionLocked()
	t.persistLocked()
	return nil
}

// SetLUN changes an iSCSI export's LUN.
func (t *Table) SetLUN(uuid wire.UUID, lun uint64) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.SetLUN(lun) })
}

// SetFilterPolicy changes an iSCSI export's default filter policy.
func (t *Table) SetFilterPolicy(uuid wire.UUID, policy wire.FilterPolicy) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.SetFilterPolicy(policy) })
}

// AddIqnFilter adds a filter to an iSCSI export.
func (t *Table) AddIqnFilter(uuid wire.UUID, pattern wire.IQN, policy wire.FilterPolicy) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.AddIqnFilter(pattern, policy) })
}

// RemoveIqnFilter removes a filter from an iSCSI export.
func (t *Table) RemoveIqnFilter(uuid wire.UUID, pattern wire.IQN) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.RemoveIqnFilter(pattern) })
}

// ClearIqnFilters removes every filter from an iSCSI export.
func (t *Table) ClearIqnFilters(uuid wire.UUID) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.ClearIqnFilters() })
}

// ClearIqnFiltersPolicy removes every filter of the given policy.
func (t *Table) ClearIqnFiltersPolicy(uuid wire.UUID, policy wire.FilterPolicy) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.ClearIqnFiltersPolicy(policy) })
}

// ReplaceIqnFilters copies src's filter list and default policy onto the
// live iSCSI export identified by uuid, used by the LUM executive when an
// export's filters are replaced wholesale. Both exports must be iSCSI.
func (t *Table) ReplaceIqnFilters(uuid wire.UUID, src *export.Export) error {
	return t.mutate(uuid, func(e *export.Export) error { return e.CopyIqnFilters(src) })
}

// SetReadonly changes an export's read-only flag.
func (t *Table) SetReadonly(uuid wire.UUID, ro bool) error {
	return t.mutate(uuid, func(e *export.Export) error {
		e.SetReadonly(ro)
		return nil
	})
}

// SetPublished marks an entry's Published bit, used by the LUM executive
// once it has materialized (or torn down) the corresponding local mapping.
// It does not bump the table version: publication state is local-only, not
// part of the replicated document.
func (t *Table) SetPublished(uuid wire.UUID, published bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Export.UUID() == uuid {
			e.Published = published
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, uuid)
}

// Snapshot returns a defensive copy of every export currently in the table,
// in table order.
func (t *Table) Snapshot() []*export.Export {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*export.Export, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Export.Clone()
	}
	return out
}
