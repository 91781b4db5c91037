package scsi

import (
	"sync"

	"github.com/OznOg/exanodes-lum/internal/export"
)

// LunSlot is the per-LUN serialization point: it tracks outstanding
// commands against one LUN and arbitrates between ordinary command
// dispatch and a logical-unit reset in flight.
type LunSlot struct {
	mu     sync.Mutex
	waitOK *sync.Cond // woken when reset_waiters drops to 0: ordinary begin_command may proceed
	resetOK *sync.Cond // woken when in_progress reaches 0: a pending reset may proceed

	export       *export.Export
	sectorCount  uint64
	inProgress   int
	resetWaiters int
	outstanding  map[uint64]*TargetCmd
}

// NewLunSlot builds an empty slot; Export/SectorCount are installed once
// the LUM executive materializes the export onto this LUN.
func NewLunSlot() *LunSlot {
	s := &LunSlot{outstanding: make(map[uint64]*TargetCmd)}
	s.waitOK = sync.NewCond(&s.mu)
	s.resetOK = sync.NewCond(&s.mu)
	return s
}

// Export returns the export currently bound to this LUN, or nil if the LUN
// is unused.
func (s *LunSlot) Export() *export.Export {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.export
}

// Bind installs exp (and its sector count) onto the slot.
func (s *LunSlot) Bind(exp *export.Export, sectorCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.export = exp
	s.sectorCount = sectorCount
}

// Unbind clears the slot back to unused.
func (s *LunSlot) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.export = nil
	s.sectorCount = 0
}

// SectorCount returns the slot's current device size in 512-byte sectors.
func (s *LunSlot) SectorCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sectorCount
}

// SetSectorCount updates the slot's device size on a volume resize.
func (s *LunSlot) SetSectorCount(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sectorCount = n
}

// BeginCommand blocks while a reset is in progress, then links cmd into the
// outstanding set and increments in_progress.
func (s *LunSlot) BeginCommand(cmd *TargetCmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.resetWaiters > 0 {
		s.waitOK.Wait()
	}
	s.inProgress++
	s.outstanding[cmd.Tag] = cmd
}

// EndCommand unlinks cmd and decrements in_progress, waking any pending
// reset first and then ordinary waiters once the count reaches zero.
func (s *LunSlot) EndCommand(cmd *TargetCmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outstanding[cmd.Tag]; !ok {
		// Already unlinked by a reset that aborted this command; the
		// reset took the in_progress decrement with it.
		return
	}
	delete(s.outstanding, cmd.Tag)
	s.inProgress--
	if s.inProgress == 0 {
		s.resetOK.Broadcast()
		s.waitOK.Broadcast()
	}
}

// OutstandingCount returns the number of commands currently tracked.
func (s *LunSlot) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// ResetLocalUnit implements logical_unit_reset: it aborts every abortable
// outstanding command (PERSISTENT_RESERVE_OUT/RESERVE_6/RELEASE_6) with
// TASK ABORTED, waits for the remainder to finish naturally, then invokes
// resetReservation (clear any SPC-2 reservation on the LUN) and
// notifyReset (deliver BUS_DEVICE_RESET_FUNCTION_OCCURRED to every local
// session) while still holding off new commands.
func (s *LunSlot) ResetLocalUnit(resetReservation func(), notifyReset func()) {
	s.mu.Lock()
	s.resetWaiters++
	for _, cmd := range s.outstanding {
		if cmd.Abortable {
			cmd.Complete(Response{Status: SamStatTaskAborted})
			delete(s.outstanding, cmd.Tag)
			s.inProgress--
		}
	}
	for s.inProgress > 0 {
		s.resetOK.Wait()
	}
	s.mu.Unlock()

	if resetReservation != nil {
		resetReservation()
	}
	if notifyReset != nil {
		notifyReset()
	}

	s.mu.Lock()
	s.resetWaiters--
	if s.resetWaiters == 0 {
		s.waitOK.Broadcast()
	}
	s.mu.Unlock()
}
