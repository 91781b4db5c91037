package iscsi

import (
	"fmt"
	"net"
	"sync"

	"github.com/OznOg/exanodes-lum/internal/scsi"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// Session is one iSCSI session's PDU-loop state: sequence-number
// bookkeeping, negotiated parameters, and the outstanding command table.
// The transmit lock (serializing writes to the socket) and the
// state lock (protecting sequence numbers and the command list) are
// distinct and both short-held; data-transfer commands themselves are not
// serialized against each other by this lock.
type Session struct {
	ID         int
	NodeID     uint32
	QueueDepth uint32
	Initiator  wire.IQN
	Negotiator *Negotiator

	// ISID/CID are copied off the first Login PDU; TSIH is assigned by
	// the target when the session reaches full-feature phase and echoed
	// in the final Login Response.
	ISID [6]byte
	CID  uint16
	TSIH uint16

	txMu sync.Mutex // serializes writes to the socket

	stateMu    sync.Mutex // protects the fields below
	expCmdSN   uint32
	statSN     uint32
	cmdPending uint32
	nextR2TSN  uint32
	commands   map[uint32]*scsi.TargetCmd // keyed by initiator task tag

	authMu         sync.Mutex // protects the fields below
	fullFeature    bool
	authorizedLUNs map[uint64]bool

	// conn is set once, by Server.Handle before the PDU loop starts, so
	// that an out-of-band async event can be written to this
	// session without the caller needing to reach back into the Listener.
	conn net.Conn
}

// SetConn records the connection this session's PDU loop is running over;
// only Server.Handle should call this.
func (s *Session) SetConn(c net.Conn) { s.conn = c }

// Conn returns the connection set by SetConn, or nil until Server.Handle
// has set it.
func (s *Session) Conn() net.Conn { return s.conn }

// NewSession returns a Session with its sequence numbers zeroed, as after
// accept and before login negotiation begins.
func NewSession(id int, nodeID uint32, queueDepth uint32, negotiator *Negotiator) *Session {
	return &Session{
		ID:         id,
		NodeID:     nodeID,
		QueueDepth: queueDepth,
		Negotiator: negotiator,
		commands:   make(map[uint32]*scsi.TargetCmd),
	}
}

// GlobalSessionID computes the cluster-wide session identifier used by
// the PR engine: local_session_id mod ConfigTargetMaxSessions +
// ConfigTargetMaxSessions * node_id. The keyspace is narrow, but local
// ids never exceed ConfigTargetMaxSessions because the pool refuses to
// hand out more, so the modulo never wraps.
func (s *Session) GlobalSessionID() int {
	return (s.ID % ConfigTargetMaxSessions) + ConfigTargetMaxSessions*int(s.NodeID)
}

// Lock/Unlock guard the transmit path: call before writing a response PDU
// to the socket, ensuring PDUs on this connection are strictly in-order.
func (s *Session) LockTx()   { s.txMu.Lock() }
func (s *Session) UnlockTx() { s.txMu.Unlock() }

// AdvanceExpCmdSN advances ExpCmdSN to max(CmdSN+1, ExpCmdSN) on receipt
// of a non-immediate command. Immediate commands must not call this.
func (s *Session) AdvanceExpCmdSN(cmdSN uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if next := cmdSN + 1; next > s.expCmdSN {
		s.expCmdSN = next
	}
}

// NextStatSN returns the StatSN to stamp on the next status-bearing
// response and increments the counter.
func (s *Session) NextStatSN() uint32 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	v := s.statSN
	s.statSN++
	return v
}

// SequenceWindow returns (ExpCmdSN, MaxCmdSN) recomputed just before a
// response is sent: MaxCmdSN = ExpCmdSN - 1 + QueueDepth - CmdPending.
func (s *Session) SequenceWindow() (expCmdSN, maxCmdSN uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	max := int64(s.expCmdSN) - 1 + int64(s.QueueDepth) - int64(s.cmdPending)
	if max < 0 {
		max = 0
	}
	return s.expCmdSN, uint32(max)
}

// BeginTask registers cmd as outstanding under its initiator task tag and
// increments CmdPending.
func (s *Session) BeginTask(tag uint32, cmd *scsi.TargetCmd) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.commands[tag] = cmd
	s.cmdPending++
}

// EndTask removes tag from the outstanding table and decrements CmdPending.
func (s *Session) EndTask(tag uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if _, ok := s.commands[tag]; ok {
		delete(s.commands, tag)
		s.cmdPending--
	}
}

// TaskByTag looks up an outstanding command by initiator task tag.
func (s *Session) TaskByTag(tag uint32) *scsi.TargetCmd {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.commands[tag]
}

// AllocR2TSN returns the next distinct R2TSN for this session.
func (s *Session) AllocR2TSN() uint32 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	v := s.nextR2TSN
	s.nextR2TSN++
	return v
}

// MarkFullFeature records that this session completed login negotiation
// and reached full-feature phase, with iqn as its negotiated initiator
// identity.
func (s *Session) MarkFullFeature(iqn wire.IQN) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.Initiator = iqn
	s.fullFeature = true
}

// IsFullFeature reports whether this session has completed login.
func (s *Session) IsFullFeature() bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.fullFeature
}

// SetAuthorizedLUNs installs the recomputed authorized-LUN set,
// recomputed at full-feature and on every export install/change/remove.
func (s *Session) SetAuthorizedLUNs(luns map[uint64]bool) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	s.authorizedLUNs = luns
}

// AuthorizedLUNs returns a snapshot of the session's current authorized-LUN
// set.
func (s *Session) AuthorizedLUNs() map[uint64]bool {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	out := make(map[uint64]bool, len(s.authorizedLUNs))
	for k, v := range s.authorizedLUNs {
		out[k] = v
	}
	return out
}

// Pool bounds the number of live sessions at ConfigTargetMaxSessions.
// Exhaustion at accept time is fatal backpressure: the listener drops the
// connection rather than blocking.
type Pool struct {
	mu       sync.Mutex
	sessions map[int]*Session
	max      int
}

// NewPool returns an empty session pool bounded at max entries.
func NewPool(max int) *Pool {
	return &Pool{sessions: make(map[int]*Session), max: max}
}

// ErrPoolExhausted is returned by Acquire when every session slot is in
// use; this is a fatal backpressure event, not something to wait out.
var ErrPoolExhausted = fmt.Errorf("iscsi: session pool exhausted")

// Acquire reserves the lowest free session slot, or ErrPoolExhausted if
// every slot is in use. Slot ids stay below the pool bound for the life of
// the process, which is what keeps GlobalSessionID collision-free.
func (p *Pool) Acquire(nodeID uint32, negotiator *Negotiator) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := 0; id < p.max; id++ {
		if _, used := p.sessions[id]; used {
			continue
		}
		s := NewSession(id, nodeID, ConfigTargetMaxQueue, negotiator)
		p.sessions[id] = s
		return s, nil
	}
	return nil, ErrPoolExhausted
}

// Release returns a session's slot to the pool.
func (p *Pool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, id)
}

// ForEach calls fn for every session currently held by the pool. fn must
// not call back into the pool.
func (p *Pool) ForEach(fn func(*Session)) {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}
