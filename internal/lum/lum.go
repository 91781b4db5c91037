// Package lum implements the LUM executive glue: it owns the
// LUN-to-export-to-blockdevice mapping and bridges the export
// model/registry (internal/export, internal/registry) to the SCSI command
// layer (internal/scsi) and, through it, the iSCSI target.
package lum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/registry"
	"github.com/OznOg/exanodes-lum/internal/scsi"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

var (
	// ErrAlreadyExported is returned by Export for a UUID already live
	// locally.
	ErrAlreadyExported = errors.New("lum: volume already exported")
	// ErrNotExported is returned by operations targeting an absent UUID.
	ErrNotExported = errors.New("lum: volume not exported")
	// ErrVolumeInUse is returned by Unexport when the LUN still has
	// outstanding commands against it.
	ErrVolumeInUse = errors.New("lum: volume is in use")
	// ErrWrongType is returned by type-specific operations (SetReadahead is
	// bdev-only, UpdateIqnFilters is iscsi-only) used on the wrong kind.
	ErrWrongType = errors.New("lum: wrong export type for this operation")
	// ErrNoSlot is returned when an iSCSI export names a LUN outside the
	// dispatcher's slot table (should not happen for a valid LUN).
	ErrNoSlot = errors.New("lum: no command-layer slot for lun")
)

// entry is one live local export: the export record plus its open volume.
type entry struct {
	exp *export.Export
	vol Volume
}

// Notifier delivers an async SCSI event to every local session logged in
// to this target. The LUM executive is the layer that knows about
// installs/removes/resizes/filter changes; the iSCSI target is the layer
// that knows the live session set, so this is supplied by whatever wires
// the two together (normally cmd/lumd's startup).
type Notifier func(lun uint64, senseKey byte, asc uint16)

// Executive is the process-wide LUM context: everything that would
// otherwise be file-scope singleton state lives here instead, passed by
// reference to whatever needs it.
type Executive struct {
	mu         sync.Mutex
	table      *registry.Table
	dispatcher *scsi.Dispatcher
	opener     Opener
	notify     Notifier

	entries map[wire.UUID]*entry
}

// New builds an Executive bound to table (the export registry), dispatcher
// (the SCSI command layer it installs LUNs into), and opener (the external
// volume store).
func New(table *registry.Table, dispatcher *scsi.Dispatcher, opener Opener) *Executive {
	return &Executive{
		table:      table,
		dispatcher: dispatcher,
		opener:     opener,
		entries:    make(map[wire.UUID]*entry),
	}
}

// SetNotifier installs the callback used to deliver async SCSI events to
// live sessions. Until set, install/remove/resize/filter-change events are
// silently dropped (acceptable before the target has any sessions to tell).
func (ex *Executive) SetNotifier(n Notifier) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.notify = n
}

func (ex *Executive) notifyLocked(lun uint64, senseKey byte, asc uint16) {
	if ex.notify != nil {
		ex.notify(lun, senseKey, asc)
	}
}

// Export deserializes buf into a fresh export, opens its underlying
// volume, and installs it: for an iSCSI export, into the command layer's
// LUN slot; for a bdev export, just tracked locally (the bdev adapter
// itself is external). On any failure it rolls back in reverse order.
func (ex *Executive) Export(buf []byte) error {
	exp, err := export.Deserialize(buf)
	if err != nil {
		return fmt.Errorf("lum: export: decode: %w", err)
	}
	return ex.export(exp, true)
}

// export materializes exp locally: opens its volume and, for iSCSI,
// installs it on the command layer. When insert is true it also adds exp
// to the registry table (the normal Export() path); Republish sets it
// false because reconcile already inserted the replicated entry and only
// needs the local materialization half.
func (ex *Executive) export(exp *export.Export, insert bool) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if _, exists := ex.entries[exp.UUID()]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExported, exp.UUID())
	}

	mode := ReadWrite
	if exp.IsReadonly() {
		mode = ReadOnly
	}
	vol, err := ex.opener.Open(exp.UUID(), mode)
	if err != nil {
		return fmt.Errorf("lum: export: open volume %s: %w", exp.UUID(), err)
	}

	if insert {
		if err := ex.table.Insert(&registry.AdmExport{Export: exp}); err != nil {
			vol.Close()
			return err
		}
	}

	if exp.Type() == export.Iscsi {
		lun := exp.IscsiLUN()
		slot := ex.dispatcher.Slots[lun]
		if slot == nil {
			ex.table.RemoveByUUID(exp.UUID())
			vol.Close()
			return fmt.Errorf("%w: %d", ErrNoSlot, lun)
		}
		slot.Bind(exp, vol.SectorCount())
		ex.dispatcher.Devices[lun] = vol
		ex.notifyLocked(lun, scsi.SenseUnitAttention, scsi.AscReportedLunsDataHasChanged)
	}

	ex.entries[exp.UUID()] = &entry{exp: exp, vol: vol}
	if err := ex.table.SetPublished(exp.UUID(), true); err != nil {
		logrus.Warnf("lum: export %s: mark published: %v", exp.UUID(), err)
	}
	return nil
}

// Unexport asks the adapter to drop the LUN (failing with ErrVolumeInUse
// if commands are still outstanding against it), closes the volume, and
// unlinks the export.
func (ex *Executive) Unexport(uuid wire.UUID) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	e, ok := ex.entries[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExported, uuid)
	}

	if e.exp.Type() == export.Iscsi {
		lun := e.exp.IscsiLUN()
		if slot := ex.dispatcher.Slots[lun]; slot != nil {
			if slot.OutstandingCount() > 0 {
				return fmt.Errorf("%w: lun %d", ErrVolumeInUse, lun)
			}
			slot.Unbind()
		}
		delete(ex.dispatcher.Devices, lun)
		ex.notifyLocked(lun, scsi.SenseUnitAttention, scsi.AscReportedLunsDataHasChanged)
	}

	if err := e.vol.Close(); err != nil {
		logrus.Warnf("lum: unexport %s: close volume: %v", uuid, err)
	}
	ex.table.RemoveByUUID(uuid)
	delete(ex.entries, uuid)
	return nil
}

// UpdateIqnFilters deserializes buf as a replacement export and copies its
// filter list and default policy onto the live export with the same UUID;
// the live export's type must remain iSCSI. Delivers
// INQUIRY_DATA_HAS_CHANGED to sessions on success.
func (ex *Executive) UpdateIqnFilters(buf []byte) error {
	update, err := export.Deserialize(buf)
	if err != nil {
		return fmt.Errorf("lum: update_iqn_filters: decode: %w", err)
	}
	if update.Type() != export.Iscsi {
		return ErrWrongType
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	e, ok := ex.entries[update.UUID()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExported, update.UUID())
	}
	if e.exp.Type() != export.Iscsi {
		return ErrWrongType
	}

	if err := ex.table.ReplaceIqnFilters(update.UUID(), update); err != nil {
		return err
	}
	ex.notifyLocked(e.exp.IscsiLUN(), scsi.SenseUnitAttention, scsi.AscInquiryDataHasChanged)
	return nil
}

// Resize converts newSizeKiB to sectors and installs it on the command
// layer's slot for an iSCSI export; for a bdev export it records nothing and
// returns nil, as there is no LUN slot to update. Emits
// CAPACITY_DATA_HAS_CHANGED only when the sector count actually changes.
func (ex *Executive) Resize(uuid wire.UUID, newSizeKiB uint64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	e, ok := ex.entries[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExported, uuid)
	}
	newSectors := newSizeKiB * 1024 / sectorSize

	if e.exp.Type() != export.Iscsi {
		return nil
	}
	lun := e.exp.IscsiLUN()
	slot := ex.dispatcher.Slots[lun]
	if slot == nil {
		return fmt.Errorf("%w: %d", ErrNoSlot, lun)
	}
	old := slot.SectorCount()
	slot.SetSectorCount(newSectors)
	if newSectors != old {
		ex.notifyLocked(lun, scsi.SenseUnitAttention, scsi.AscCapacityDataHasChanged)
	}
	return nil
}

// SetReadahead is bdev-only; it is rejected for an iSCSI export.
func (ex *Executive) SetReadahead(uuid wire.UUID, value int) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	e, ok := ex.entries[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotExported, uuid)
	}
	if e.exp.Type() != export.Bdev {
		return ErrWrongType
	}
	setter, ok := ex.opener.(ReadaheadSetter)
	if !ok {
		return nil
	}
	return setter.SetReadahead(e.vol, value)
}

// Info is the result of GetInfo.
type Info struct {
	Readonly bool
	InUse    bool
}

// GetInfo returns the export's readonly flag and whether it currently has
// outstanding commands against it.
func (ex *Executive) GetInfo(uuid wire.UUID) (Info, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	e, ok := ex.entries[uuid]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotExported, uuid)
	}
	info := Info{Readonly: e.exp.IsReadonly()}
	if e.exp.Type() == export.Iscsi {
		if slot := ex.dispatcher.Slots[e.exp.IscsiLUN()]; slot != nil {
			info.InUse = slot.OutstandingCount() > 0
		}
	}
	return info, nil
}

// Republish re-exports every entry in exports whose volume this node can
// actually open, used by the registry reconciliation protocol's
// re-publication step. An export this node cannot open is simply not
// started here; that is expected (most exports in a freshly-adopted table
// belong to volumes other nodes host) and is logged at debug, not warn.
func (ex *Executive) Republish(exports []*registry.AdmExport) {
	for _, adm := range exports {
		uuid := adm.Export.UUID()
		ex.mu.Lock()
		_, already := ex.entries[uuid]
		ex.mu.Unlock()
		if already {
			continue
		}
		if err := ex.export(adm.Export, false); err != nil {
			logrus.Debugf("lum: republish: %s not started on this node: %v", uuid, err)
		}
	}
}
