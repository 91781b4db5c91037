// Package pr implements the cluster Persistent-Reservation engine:
// per-LUN reservation state, the local rights check that backs every
// READ/WRITE/PR command, and the cluster-ordered application of
// PERSISTENT_RESERVE_OUT/RESERVE_6/RELEASE_6 commands, covering the five
// SPC-3 PR-OUT actions (REGISTER/RESERVE/RELEASE/CLEAR/PREEMPT) plus the
// legacy SPC-2 RESERVE/RELEASE model alongside them.
package pr

import (
	"sync"

	"github.com/OznOg/exanodes-lum/internal/scsi"
)

// ReservationType mirrors the SPC-3 PR_TYPE field used by RESERVE/PREEMPT.
type ReservationType byte

const (
	TypeWriteExclusive                ReservationType = 0x1
	TypeExclusiveAccess                ReservationType = 0x3
	TypeWriteExclusiveRegistrantsOnly  ReservationType = 0x5
	TypeExclusiveAccessRegistrantsOnly ReservationType = 0x6
	TypeWriteExclusiveAllRegistrants   ReservationType = 0x7
	TypeExclusiveAccessAllRegistrants  ReservationType = 0x8
)

// PR-OUT service actions, CDB byte 1 low 5 bits.
const (
	ActionRegister          = 0x00
	ActionReserve           = 0x01
	ActionRelease           = 0x02
	ActionClear             = 0x03
	ActionPreempt           = 0x04
	ActionPreemptAndAbort   = 0x05
	ActionRegisterAndIgnore = 0x06
)

// Context holds one LUN's reservation state: the set of connected
// sessions, the subset that has actually registered a PR key, and, if
// any, the current reservation holder and type. Connection and
// registration are distinct: a session that merely logged in carries no
// registration until it issues a REGISTER, and must never pass the
// Registrants-Only access checks.
type Context struct {
	mu            sync.Mutex
	sessions      map[int]bool
	registrations map[int]uint64
	// generation is the PRgeneration counter PERSISTENT RESERVE IN
	// reports: bumped on every applied REGISTER/CLEAR/PREEMPT.
	generation  uint32
	holderValid bool
	holder      int
	resType     ReservationType
	// spc2 is set by RESERVE_6/RELEASE_6, a simple exclusive reservation
	// that does not participate in the registration/type model.
	spc2Valid bool
	spc2Owner int
}

// NewContext returns an empty reservation context for one LUN.
func NewContext() *Context {
	return &Context{
		sessions:      make(map[int]bool),
		registrations: make(map[int]uint64),
	}
}

// AddSession records sessionID's arrival on the target; it does not
// create a PR registration, since session arrival and PR REGISTER are
// distinct events.
func (c *Context) AddSession(sessionID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = true
}

// DelSession removes sessionID and any registration it made. If it held
// the reservation under an ALL_REGISTRANTS type, the reservation is
// cleared; for any other type the reservation is left in place (the
// registration is merely dropped) per SPC-3 semantics.
func (c *Context) DelSession(sessionID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	delete(c.registrations, sessionID)
	if c.holderValid && c.holder == sessionID {
		switch c.resType {
		case TypeWriteExclusiveAllRegistrants, TypeExclusiveAccessAllRegistrants:
			c.holderValid = false
		}
	}
	if c.spc2Valid && c.spc2Owner == sessionID {
		c.spc2Valid = false
	}
}

// stats reports whether any reservation (PR or SPC-2) is held on this LUN
// and how many registrations it carries, for the metrics gauges.
func (c *Context) stats() (held bool, registrations int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holderValid || c.spc2Valid, len(c.registrations)
}

// ResetLUN clears any reservation (SPC-2 and PR) on this LUN, as done by
// logical_unit_reset; registrations themselves survive a reset.
func (c *Context) ResetLUN() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holderValid = false
	c.spc2Valid = false
}

// isMediumReadOnly reports whether cdb only ever moves data target-to-
// initiator (or transfers none at all), the distinction the Write-
// Exclusive reservation types hinge on.
func isMediumReadOnly(op byte) bool {
	switch op {
	case scsi.OpRead6, scsi.OpRead10, scsi.OpRead12, scsi.OpRead16,
		scsi.OpReadCapacity, scsi.OpServiceActionIn16,
		scsi.OpModeSense, scsi.OpModeSense10,
		scsi.OpTestUnitReady, scsi.OpVerify10, scsi.OpVerify12, scsi.OpVerify16,
		scsi.OpPersistentReserveIn:
		return true
	default:
		return false
	}
}

// CheckRights is a pure inspection of whether sessionID may issue cdb
// against this LUN given the current reservation.
// It returns false precisely when the SCSI standard requires
// RESERVATION_CONFLICT.
func (c *Context) CheckRights(cdb scsi.CDB, sessionID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spc2Valid && c.spc2Owner != sessionID {
		// A classic SPC-2 reservation blocks everyone else outright,
		// including other SCSI commands, not just PR actions.
		return false
	}
	if !c.holderValid {
		return true
	}
	if c.holder == sessionID {
		return true
	}
	switch c.resType {
	case TypeWriteExclusiveAllRegistrants, TypeWriteExclusiveRegistrantsOnly:
		if _, registered := c.registrations[sessionID]; registered {
			return true
		}
		return isMediumReadOnly(cdb.Opcode())
	case TypeExclusiveAccessAllRegistrants, TypeExclusiveAccessRegistrantsOnly:
		_, registered := c.registrations[sessionID]
		return registered
	case TypeWriteExclusive:
		return isMediumReadOnly(cdb.Opcode())
	default:
		return false
	}
}

// applyReserveOut mutates the context per a decoded PR-OUT/RESERVE_6/
// RELEASE_6 request and returns the resulting SCSI response. It must be
// called only after the event has been placed in cluster order.
func (c *Context) applyReserveOut(sessionID int, action byte, key uint64, resType ReservationType) scsi.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch action {
	case ActionRegister, ActionRegisterAndIgnore:
		if !c.sessions[sessionID] {
			// No such nexus on this target; nothing to bind the key to.
			return scsi.Response{Status: scsi.SamStatReservationConflict}
		}
		if key == 0 {
			delete(c.registrations, sessionID)
		} else {
			c.registrations[sessionID] = key
		}
		c.generation++
		return scsi.Response{Status: scsi.SamStatGood}

	case ActionReserve:
		if c.holderValid && c.holder != sessionID {
			return scsi.Response{Status: scsi.SamStatReservationConflict}
		}
		if _, ok := c.registrations[sessionID]; !ok {
			return scsi.Response{Status: scsi.SamStatReservationConflict}
		}
		c.holderValid = true
		c.holder = sessionID
		c.resType = resType
		return scsi.Response{Status: scsi.SamStatGood}

	case ActionRelease:
		if c.holderValid && c.holder == sessionID {
			c.holderValid = false
		}
		return scsi.Response{Status: scsi.SamStatGood}

	case ActionClear:
		c.holderValid = false
		c.registrations = make(map[int]uint64)
		c.generation++
		return scsi.Response{Status: scsi.SamStatGood}

	case ActionPreempt, ActionPreemptAndAbort:
		if _, ok := c.registrations[sessionID]; !ok {
			return scsi.Response{Status: scsi.SamStatReservationConflict}
		}
		c.holderValid = true
		c.holder = sessionID
		c.resType = resType
		c.generation++
		return scsi.Response{Status: scsi.SamStatGood}

	default:
		return scsi.Response{Status: scsi.SamStatCheckCondition}
	}
}

// applySpc2 applies a RESERVE_6/RELEASE_6 request, which bypasses the
// registration model entirely (a legacy, non-PR-aware reservation).
func (c *Context) applySpc2(sessionID int, isReserve bool) scsi.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isReserve {
		if c.spc2Valid && c.spc2Owner != sessionID {
			return scsi.Response{Status: scsi.SamStatReservationConflict}
		}
		c.spc2Valid = true
		c.spc2Owner = sessionID
		return scsi.Response{Status: scsi.SamStatGood}
	}
	if c.spc2Valid && c.spc2Owner == sessionID {
		c.spc2Valid = false
	}
	return scsi.Response{Status: scsi.SamStatGood}
}

// ReadIn answers PERSISTENT_RESERVE_IN locally under the PR lock: the
// service action (cdb[1] low 5 bits) selects READ KEYS or READ
// RESERVATION; any other service action (REPORT CAPABILITIES, READ FULL
// STATUS, ...) is not answered and returns CHECK CONDITION.
func (c *Context) ReadIn(cdb scsi.CDB) ([]byte, scsi.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	serviceAction := byte(0)
	if len(cdb) > 1 {
		serviceAction = cdb[1] & 0x1f
	}

	switch serviceAction {
	case 0x00: // READ KEYS
		buf := make([]byte, 8+8*len(c.registrations))
		putBE32(buf[0:4], c.generation)
		putBE32(buf[4:8], uint32(8*len(c.registrations)))
		n := 8
		for _, key := range c.registrations {
			putBE64(buf[n:n+8], key)
			n += 8
		}
		return buf, scsi.Response{Status: scsi.SamStatGood}
	case 0x01: // READ RESERVATION
		if !c.holderValid {
			buf := make([]byte, 8)
			putBE32(buf[0:4], c.generation)
			return buf, scsi.Response{Status: scsi.SamStatGood}
		}
		buf := make([]byte, 24)
		putBE32(buf[0:4], c.generation)
		putBE32(buf[4:8], 16)
		putBE64(buf[8:16], c.registrations[c.holder])
		buf[21] = byte(c.resType)
		return buf, scsi.Response{Status: scsi.SamStatGood}
	default:
		return nil, scsi.Response{Status: scsi.SamStatCheckCondition}
	}
}
