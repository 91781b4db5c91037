package pr

import (
	"context"
	"fmt"
	"time"

	"github.com/OznOg/exanodes-lum/internal/cluster"
	"github.com/OznOg/exanodes-lum/internal/metrics"
	"github.com/OznOg/exanodes-lum/internal/scsi"
)

// Engine is the cluster-ordered Persistent-Reservation engine. It
// satisfies scsi.PREngine: the command layer only ever talks to this
// through that interface.
//
// Ordering is built on cluster.Collaborator.Sequence, the ticket-allocation
// primitive a rotating-token or leader-driven transport would expose; a
// ticket is claimed before mutating local state, so two concurrent local
// callers serialize through the same global counter a real multi-node
// transport would use to keep every replica's apply order identical. A
// concrete cross-process transport is out of this module's scope (see
// internal/cluster); Engine carries the local half of the contract such a
// transport plugs into.
type Engine struct {
	coll     cluster.Collaborator
	contexts map[uint64]*Context

	// Metrics, when set, receives the reservation/registration gauges
	// after every applied PR-OUT; nil-safe for tests.
	Metrics *metrics.Registry
}

// NewEngine builds an Engine with one Context per LUN.
func NewEngine(coll cluster.Collaborator) *Engine {
	e := &Engine{coll: coll, contexts: make(map[uint64]*Context)}
	for l := uint64(0); l < scsi.MaxLuns; l++ {
		e.contexts[l] = NewContext()
	}
	return e
}

func (e *Engine) ctxFor(lun uint64) *Context {
	c, ok := e.contexts[lun]
	if !ok {
		c = NewContext()
		e.contexts[lun] = c
	}
	return c
}

// NewSession announces globalSessionID: the event first claims a ticket
// in the same cluster order every PR-OUT uses, then is applied locally,
// then barriers so the call does not return until every live node has
// observed it and the session can be considered live.
func (e *Engine) NewSession(ctx context.Context, globalSessionID int) error {
	if _, err := e.coll.Sequence(ctx, "pr-events"); err != nil {
		return fmt.Errorf("pr: order new-session %d: %w", globalSessionID, err)
	}
	for _, c := range e.contexts {
		c.AddSession(globalSessionID)
	}
	return e.coll.Barrier(ctx, fmt.Sprintf("pr-new-session-%d", globalSessionID))
}

// DelSession retires globalSessionID across every LUN.
func (e *Engine) DelSession(ctx context.Context, globalSessionID int) error {
	if _, err := e.coll.Sequence(ctx, "pr-events"); err != nil {
		return fmt.Errorf("pr: order del-session %d: %w", globalSessionID, err)
	}
	for _, c := range e.contexts {
		c.DelSession(globalSessionID)
	}
	return e.coll.Barrier(ctx, fmt.Sprintf("pr-del-session-%d", globalSessionID))
}

// CheckRights satisfies scsi.PREngine.
func (e *Engine) CheckRights(lun uint64, cdb scsi.CDB, globalSessionID int) bool {
	return e.ctxFor(lun).CheckRights(cdb, globalSessionID)
}

// ResetLun satisfies scsi.PREngine.
func (e *Engine) ResetLun(lun uint64) {
	e.ctxFor(lun).ResetLUN()
}

// ReserveIn satisfies scsi.PREngine: a pure local read under the PR lock.
func (e *Engine) ReserveIn(lun uint64, cdb scsi.CDB) ([]byte, scsi.Response) {
	return e.ctxFor(lun).ReadIn(cdb)
}

// ReserveOut satisfies scsi.PREngine. It claims a cluster-wide ticket for
// this LUN via Sequence (the PR-lock ordering point), then applies the
// decoded request. params is the PR-OUT parameter list carried in the
// command's Data-Out phase: RESERVATION KEY in bytes 0-7, SERVICE ACTION
// RESERVATION KEY in bytes 8-15. The reservation type rides in CDB byte 2
// (low nibble); RESERVE_6/RELEASE_6 carry no parameter list at all. A
// ticketing failure (cluster unreachable) surfaces as CHECK_CONDITION
// rather than silently applying out of order.
func (e *Engine) ReserveOut(lun uint64, cdb scsi.CDB, params []byte, globalSessionID int) scsi.Response {
	gctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := e.coll.Sequence(gctx, fmt.Sprintf("pr-lun-%d", lun)); err != nil {
		return scsi.Response{Status: scsi.SamStatCheckCondition}
	}

	c := e.ctxFor(lun)
	op := cdb.Opcode()
	switch op {
	case scsi.OpReserve6:
		resp := c.applySpc2(globalSessionID, true)
		e.updateGauges()
		return resp
	case scsi.OpRelease6:
		resp := c.applySpc2(globalSessionID, false)
		e.updateGauges()
		return resp
	case scsi.OpPersistentReserveOut:
		action := byte(0)
		if len(cdb) > 1 {
			action = cdb[1] & 0x1f
		}
		resType := ReservationType(0)
		if len(cdb) > 2 {
			resType = ReservationType(cdb[2] & 0x0f)
		}
		if len(params) < 16 {
			return scsi.Response{Status: scsi.SamStatCheckCondition}
		}
		var key uint64
		switch action {
		case ActionRegister, ActionRegisterAndIgnore:
			// The service action reservation key is the key being
			// installed; zero means unregister.
			key = getBE64(params[8:16])
		default:
			key = getBE64(params[0:8])
		}
		resp := c.applyReserveOut(globalSessionID, action, key, resType)
		e.updateGauges()
		return resp
	default:
		return scsi.Response{Status: scsi.SamStatCheckCondition}
	}
}

// updateGauges recomputes the PR metrics across every LUN context; cheap
// enough to do on each applied PR-OUT rather than tracking deltas.
func (e *Engine) updateGauges() {
	if e.Metrics == nil {
		return
	}
	held, regs := 0, 0
	for _, c := range e.contexts {
		h, r := c.stats()
		if h {
			held++
		}
		regs += r
	}
	e.Metrics.ReservationsHeld.Set(float64(held))
	e.Metrics.RegistrationsTotal.Set(float64(regs))
}

var _ scsi.PREngine = (*Engine)(nil)
