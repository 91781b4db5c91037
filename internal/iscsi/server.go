package iscsi

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/OznOg/exanodes-lum/internal/export"
	"github.com/OznOg/exanodes-lum/internal/registry"
	"github.com/OznOg/exanodes-lum/internal/scsi"
	"github.com/OznOg/exanodes-lum/internal/wire"
)

// Login/Text CSG/NSG stage codes (RFC 3720 §10.12.1); SecurityNegotiation
// is accepted but never required: AuthMethod may negotiate to None or CHAP,
// and no CHAP challenge/response exchange is run either way.
const (
	stageSecurityNegotiation = 0
	stageLoginOperational    = 1
	stageFullFeature         = 3
)

// Login Response status classes actually emitted.
const (
	loginStatusSuccess      = 0x00
	loginStatusTargetErr    = 0x01
	loginStatusInitiatorErr = 0x02
)

// noTag marks an Initiator/Target Transfer Tag field as unused.
const noTag = 0xffffffff

// Server binds the PDU-level session loop to the SCSI command layer, the
// export registry, and the task-management hooks. One Server is shared by
// every session a Listener accepts; its Handle method is a SessionHandler
// suitable for Listener.Serve.
type Server struct {
	Dispatcher *scsi.Dispatcher
	Table      *registry.Table
	Pool       *Pool
	Hooks      Hooks

	TargetIQN  string
	NodeID     uint32
	BufferSize int

	// PortalAddrs lists this target's listening "host:port" addresses, used
	// to answer a Discovery session's SendTargets Text request.
	PortalAddrs func() []string

	// OnSessionUp/OnSessionDown notify collaborators (chiefly the PR
	// engine) when a session reaches, or leaves, full-feature phase.
	OnSessionUp   func(session *Session) error
	OnSessionDown func(session *Session)
}

// Handle runs one session's PDU loop until the connection closes, the
// initiator logs out, or a read fails. It matches the iscsi.SessionHandler
// signature expected by Listener.Serve.
// The session's pool slot is released by Listener.Serve once Handle
// returns; releasing it here too would race a reconnect that reuses the
// same slot id.
func (s *Server) Handle(conn net.Conn, session *Session) {
	session.SetConn(conn)
	defer conn.Close()
	defer func() {
		if s.OnSessionDown != nil {
			s.OnSessionDown(session)
		}
	}()

	for {
		h, data, err := readPDU(conn)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("iscsi: session %d: read: %v", session.ID, err)
			}
			return
		}
		if !h.Immediate {
			session.AdvanceExpCmdSN(h.CmdSN())
		}

		switch h.Opcode {
		case OpLoginReq:
			if !s.handleLogin(conn, session, h, data) {
				return
			}
		case OpTextReq:
			s.handleText(conn, session, h, data)
		case OpSCSICommand:
			s.handleSCSICommand(conn, session, h, data)
		case OpSCSIDataOut:
			// Every Data-Out PDU belonging to a write is consumed directly
			// by handleSCSICommand's collectWriteData; one arriving here
			// means the initiator sent unsolicited data this target never
			// asked for.
			logrus.Warnf("iscsi: session %d: unexpected standalone data-out", session.ID)
		case OpNopOut:
			s.handleNop(conn, session, h)
		case OpLogoutReq:
			s.handleLogout(conn, session, h)
			return
		case OpTaskManagementReq:
			s.handleTaskManagement(conn, session, h)
		default:
			s.sendReject(conn, session, h)
		}
	}
}

// readPDU reads one complete PDU off conn: the 48-byte BHS, any AHS
// (skipped, unparsed), and the padded data segment.
func readPDU(conn net.Conn) (Header, []byte, error) {
	var raw [HeaderLen]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		return Header{}, nil, err
	}
	h, err := ParseHeader(raw[:])
	if err != nil {
		return Header{}, nil, err
	}
	if h.AHSLength > 0 {
		ahs := make([]byte, int(h.AHSLength)*4)
		if _, err := io.ReadFull(conn, ahs); err != nil {
			return Header{}, nil, err
		}
		// AHS segments (extended CDB, bidi read length) are recognized but
		// never interpreted; none of the supported opcodes need one.
		logrus.Debugf("iscsi: skipping ahs segments of types %v", AHSTypesIn(h, ahs))
	}
	data := make([]byte, h.DataSegmentLen)
	if len(data) > 0 {
		if _, err := io.ReadFull(conn, data); err != nil {
			return Header{}, nil, err
		}
		if pad := paddingFor(len(data)); pad > 0 {
			var discard [4]byte
			if _, err := io.ReadFull(conn, discard[:pad]); err != nil {
				return Header{}, nil, err
			}
		}
	}
	return h, data, nil
}

func readDataOutPDU(conn net.Conn) ([]byte, Header, error) {
	h, data, err := readPDU(conn)
	if err != nil {
		return nil, Header{}, err
	}
	if h.Opcode != OpSCSIDataOut {
		return nil, h, fmt.Errorf("iscsi: expected data-out pdu, got opcode %#x", h.Opcode)
	}
	return data, h, nil
}

func paddingFor(n int) int { return (4 - n%4) % 4 }

// isParameterListOpcode reports whether an opcode's Data-Out phase carries
// a parameter list rather than block data destined for the device.
func isParameterListOpcode(op byte) bool {
	switch op {
	case scsi.OpPersistentReserveOut, scsi.OpReserve6, scsi.OpRelease6:
		return true
	default:
		return false
	}
}

// writePDU writes buf (a complete header, optionally followed by a data
// segment) padded to a 4-byte boundary.
func writePDU(conn net.Conn, buf []byte) error {
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	if pad := paddingFor(len(buf) - HeaderLen); pad > 0 {
		var padding [4]byte
		if _, err := conn.Write(padding[:pad]); err != nil {
			return err
		}
	}
	return nil
}

func encodeTextKeys(kv map[string]string) []byte {
	var buf bytes.Buffer
	for k, v := range kv {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(v)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return def
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

// handleLogin drives one step of login negotiation. It returns false if the
// session must be torn down (a fatal login error).
func (s *Server) handleLogin(conn net.Conn, session *Session, h Header, data []byte) bool {
	offer := ParseTextKeys(data)
	resp := session.Negotiator.Negotiate(offer)

	copy(session.ISID[:], h.Raw[8:14])
	session.CID = wire.GetBigEndian16(h.Raw[20:22])

	csg := (h.Raw[1] >> 2) & 0x3
	nsg := h.Raw[1] & 0x3
	transit := h.Final

	if transit && nsg == stageFullFeature {
		if err := session.Negotiator.CompleteFullFeature(); err != nil {
			logrus.Warnf("iscsi: session %d: login rejected: %v", session.ID, err)
			s.writeLoginResponse(conn, session, h, csg, nsg, false, loginStatusInitiatorErr, nil)
			return false
		}
		iqn, err := session.Negotiator.InitiatorIQN()
		if err != nil {
			s.writeLoginResponse(conn, session, h, csg, nsg, false, loginStatusInitiatorErr, nil)
			return false
		}
		session.TSIH = uint16(session.ID) + 1
		session.MarkFullFeature(iqn)
		s.recomputeAuthorized(session)
		if s.OnSessionUp != nil {
			if err := s.OnSessionUp(session); err != nil {
				logrus.Warnf("iscsi: session %d: session-up hook: %v", session.ID, err)
			}
		}
	}

	s.writeLoginResponse(conn, session, h, csg, nsg, transit, loginStatusSuccess, resp)
	return true
}

func (s *Server) writeLoginResponse(conn net.Conn, session *Session, h Header, csg, nsg byte, transit bool, status byte, params map[string]string) {
	body := encodeTextKeys(params)
	buf := make([]byte, HeaderLen+len(body))
	buf[0] = byte(OpLoginResp)
	flags := csg<<2 | nsg
	if transit {
		flags |= 0x80
	}
	buf[1] = flags
	wire.SetBigEndian32(uint32(len(body)), buf[4:8])
	copy(buf[8:14], session.ISID[:])
	wire.SetBigEndian16(session.TSIH, buf[14:16])
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])
	buf[36] = status

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], body)
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write login response: %v", session.ID, err)
	}
}

// handleText answers a Text Request; the only key this target negotiates
// outside login is a Discovery session's SendTargets.
func (s *Server) handleText(conn net.Conn, session *Session, h Header, data []byte) {
	offer := ParseTextKeys(data)
	var body []byte
	if _, ok := offer["SendTargets"]; ok && session.Negotiator.IsDiscovery() {
		// One TargetName followed by one TargetAddress per portal; the
		// repeated keys rule out the map-based encoder here.
		var b bytes.Buffer
		b.WriteString("TargetName=" + s.TargetIQN)
		b.WriteByte(0)
		if s.PortalAddrs != nil {
			for _, addr := range s.PortalAddrs() {
				fmt.Fprintf(&b, "TargetAddress=%s,%d", addr, TargetPortalGroupTag)
				b.WriteByte(0)
			}
		}
		body = b.Bytes()
	}
	buf := make([]byte, HeaderLen+len(body))
	buf[0] = byte(OpTextResp)
	buf[1] = 0x80
	wire.SetBigEndian32(uint32(len(body)), buf[4:8])
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], body)
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write text response: %v", session.ID, err)
	}
}

func (s *Server) handleNop(conn net.Conn, session *Session, h Header) {
	if h.InitiatorTaskTag == noTag {
		// A reply-not-wanted ping; nothing to send.
		return
	}
	buf := make([]byte, HeaderLen)
	buf[0] = byte(OpNopIn)
	buf[1] = 0x80
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])
	wire.SetBigEndian32(noTag, buf[20:24])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write nop-in: %v", session.ID, err)
	}
}

func (s *Server) handleLogout(conn net.Conn, session *Session, h Header) {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(OpLogoutResp)
	buf[1] = 0x80
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write logout response: %v", session.ID, err)
	}
}

func (s *Server) handleTaskManagement(conn net.Conn, session *Session, h Header) {
	fn := TaskFunction(h.Raw[1] & 0x7f)
	refTag := wire.GetBigEndian32(h.Raw[20:24])

	resp := HandleTaskManagement(session, s.Hooks, fn, h.LUN, refTag)

	buf := make([]byte, HeaderLen)
	buf[0] = byte(OpTaskManagementResp)
	buf[1] = 0x80
	buf[2] = byte(resp)
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write task mgmt response: %v", session.ID, err)
	}
}

// handleSCSICommand runs one SCSI Command PDU through the command layer:
// collecting write data first (immediate plus solicited via R2T), then
// dispatching, then streaming any read data back before the final SCSI
// Response. A separate Response PDU always follows a read's Data-In PDUs
// rather than collapsing status onto the last one, keeping the encoder
// paths uniform; phase-collapse is optional in the protocol.
func (s *Server) handleSCSICommand(conn net.Conn, session *Session, h Header, data []byte) {
	lun := h.LUN
	cdbLen := scsi.CDB(h.CDB()).Len()
	cdb := append(scsi.CDB{}, h.CDB()[:cdbLen]...)

	cmd := scsi.NewTargetCmd(uint64(h.InitiatorTaskTag), session.ID, lun, cdb)
	session.BeginTask(h.InitiatorTaskTag, cmd)
	defer session.EndTask(h.InitiatorTaskTag)

	slot := s.Dispatcher.Slots[lun]
	if slot != nil {
		slot.BeginCommand(cmd)
		defer slot.EndCommand(cmd)
	}

	ctx := scsi.Context{
		SessionID:       session.ID,
		GlobalSessionID: session.GlobalSessionID(),
		Initiator:       session.Initiator,
		AuthorizedLUNs:  session.AuthorizedLUNs(),
	}

	var resp scsi.Response
	var readBuf bytes.Buffer

	if h.WriteFlag() {
		edtl := int(h.ExpectedDataTransferLength())
		payload, err := s.collectWriteData(conn, session, h, data, edtl)
		if err != nil {
			logrus.Warnf("iscsi: session %d: collect write data: %v", session.ID, err)
			cmd.Complete(scsi.Response{Status: scsi.SamStatCheckCondition})
			return
		}
		if isParameterListOpcode(cdb.Opcode()) {
			// The Data-Out bytes are the command's parameter list
			// (PERSISTENT_RESERVE_OUT's keys), not block data: they go to
			// the dispatcher, never anywhere near the backing device.
			ctx.DataOut = payload
			resp = s.Dispatcher.Dispatch(ctx, lun, cdb, io.Discard)
		} else {
			resp = s.Dispatcher.Dispatch(ctx, lun, cdb, io.Discard)
			if resp.Status == scsi.SamStatGood {
				if dev := s.Dispatcher.Devices[lun]; dev != nil {
					off := int64(cdb.LBA()) * 512
					if _, err := dev.WriteAt(payload, off); err != nil {
						resp = scsi.Response{Status: scsi.SamStatCheckCondition}
					}
				}
			}
		}
	} else {
		resp = s.Dispatcher.Dispatch(ctx, lun, cdb, &readBuf)
	}

	cmd.Complete(resp)
	if cmd.Response.Status == scsi.SamStatTaskAborted {
		// A concurrent logical-unit reset won the completion race; the
		// command's resources are reclaimed without sending a response.
		logrus.Debugf("iscsi: session %d: command %#x aborted by reset", session.ID, h.InitiatorTaskTag)
		return
	}

	if h.ReadFlag() && resp.Status == scsi.SamStatGood && readBuf.Len() > 0 {
		maxRecv := atoiDefault(session.Negotiator.Param("MaxRecvDataSegmentLength"), readBuf.Len())
		if maxRecv <= 0 {
			maxRecv = readBuf.Len()
		}
		body := readBuf.Bytes()
		sizes := PlanReadData(len(body), maxRecv)
		off := 0
		for i, n := range sizes {
			final := i == len(sizes)-1
			if err := s.sendDataIn(conn, session, h, body[off:off+n], uint32(off), final); err != nil {
				logrus.Debugf("iscsi: session %d: write data-in: %v", session.ID, err)
				return
			}
			off += n
		}
	}

	if err := s.sendSCSIResponse(conn, session, h, resp); err != nil {
		logrus.Debugf("iscsi: session %d: write scsi response: %v", session.ID, err)
	}
}

// collectWriteData assembles a write command's full payload: immediate
// data that rode on the command PDU, then unsolicited Data-Out PDUs up to
// FirstBurstLength (only when InitialR2T negotiated to No), then R2T-
// solicited Data-Out PDUs for whatever remains.
func (s *Server) collectWriteData(conn net.Conn, session *Session, h Header, immediate []byte, edtl int) ([]byte, error) {
	immediateData := session.Negotiator.Param("ImmediateData") == "Yes"
	initialR2T := session.Negotiator.Param("InitialR2T") == "Yes"
	firstBurst := atoiDefault(session.Negotiator.Param("FirstBurstLength"), edtl)
	maxBurst := atoiDefault(session.Negotiator.Param("MaxBurstLength"), edtl)
	if maxBurst <= 0 {
		maxBurst = edtl
	}

	if len(immediate) > firstBurst {
		return nil, fmt.Errorf("iscsi: %d bytes of immediate data exceed FirstBurstLength %d", len(immediate), firstBurst)
	}

	plan := PlanDataOut(edtl, len(immediate), firstBurst, immediateData, initialR2T)
	payload := make([]byte, 0, edtl)
	payload = append(payload, immediate[:plan.ImmediateLen]...)

	if !plan.NeedR2T {
		for len(payload) < edtl && len(payload) < firstBurst {
			chunk, _, err := readDataOutPDU(conn)
			if err != nil {
				return nil, err
			}
			payload = append(payload, chunk...)
		}
	}

	if len(payload) < edtl {
		for _, r2t := range PlanR2Ts(session, len(payload), edtl, maxBurst) {
			if err := s.sendR2T(conn, session, h, r2t); err != nil {
				return nil, err
			}
			want := len(payload) + int(r2t.Length)
			for len(payload) < want {
				chunk, _, err := readDataOutPDU(conn)
				if err != nil {
					return nil, err
				}
				payload = append(payload, chunk...)
			}
		}
	}

	return payload, nil
}

func (s *Server) sendR2T(conn net.Conn, session *Session, h Header, r2t R2T) error {
	buf := make([]byte, HeaderLen)
	buf[0] = byte(OpR2T)
	buf[1] = 0x80
	wire.LUNSetBigEndian(h.LUN, buf[8:16])
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])
	// This target never splits one write across concurrent R2T windows, so
	// it reuses R2TSN as the Target Transfer Tag rather than minting a
	// separate one.
	wire.SetBigEndian32(r2t.R2TSN, buf[20:24])
	wire.SetBigEndian32(r2t.R2TSN, buf[36:40])
	wire.SetBigEndian32(r2t.Offset, buf[40:44])
	wire.SetBigEndian32(r2t.Length, buf[44:48])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	return writePDU(conn, buf)
}

func (s *Server) sendDataIn(conn net.Conn, session *Session, h Header, chunk []byte, offset uint32, final bool) error {
	buf := make([]byte, HeaderLen+len(chunk))
	buf[0] = byte(OpSCSIDataIn)
	if final {
		buf[1] = 0x80
	}
	wire.SetBigEndian32(uint32(len(chunk)), buf[4:8])
	wire.LUNSetBigEndian(h.LUN, buf[8:16])
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])
	wire.SetBigEndian32(noTag, buf[20:24])
	wire.SetBigEndian32(offset, buf[40:44])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], chunk)
	return writePDU(conn, buf)
}

func (s *Server) sendSCSIResponse(conn net.Conn, session *Session, h Header, resp scsi.Response) error {
	var segment []byte
	if len(resp.Sense) > 0 {
		segment = make([]byte, 2+len(resp.Sense))
		wire.SetBigEndian16(uint16(len(resp.Sense)), segment[0:2])
		copy(segment[2:], resp.Sense)
	}

	buf := make([]byte, HeaderLen+len(segment))
	buf[0] = byte(OpSCSIResponse)
	buf[1] = 0x80
	buf[2] = 0x00 // Response: Command Completed at SCSI level
	buf[3] = resp.Status
	wire.SetBigEndian32(uint32(len(segment)), buf[4:8])
	wire.LUNSetBigEndian(h.LUN, buf[8:16])
	wire.SetBigEndian32(h.InitiatorTaskTag, buf[16:20])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], segment)
	return writePDU(conn, buf)
}

func (s *Server) sendReject(conn net.Conn, session *Session, h Header) {
	buf := make([]byte, HeaderLen+HeaderLen)
	buf[0] = byte(OpReject)
	buf[1] = 0x80
	buf[2] = 0x05 // Reason: Command Not Supported
	wire.SetBigEndian32(HeaderLen, buf[4:8])
	wire.SetBigEndian32(noTag, buf[16:20])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], h.Raw[:])
	if err := writePDU(conn, buf); err != nil {
		logrus.Debugf("iscsi: session %d: write reject: %v", session.ID, err)
	}
}

func (s *Server) recomputeAuthorized(session *Session) {
	luns := scsi.AuthorizedLUNs(s.Table.Snapshot(), func(e *export.Export) uint64 { return e.IscsiLUN() }, session.Initiator)
	session.SetAuthorizedLUNs(luns)
}

// RecomputeAllAuthorizations recomputes every logged-in session's
// authorized-LUN set. lumd's serve command calls this from the LUM
// executive's notifier, so it runs whenever an export is installed,
// changed, resized, or removed.
func (s *Server) RecomputeAllAuthorizations() {
	if s.Pool == nil {
		return
	}
	s.Pool.ForEach(func(session *Session) {
		if session.IsFullFeature() {
			s.recomputeAuthorized(session)
		}
	})
}

// sendAsyncMessage writes an unsolicited SCSI Async Message PDU (AsyncEvent
// 0: "a SCSI asynchronous event is reported in the sense data", RFC 3720
// §10.9.2) carrying senseKey/asc for lun.
func (s *Server) sendAsyncMessage(session *Session, lun uint64, senseKey byte, asc uint16) error {
	conn := session.Conn()
	if conn == nil {
		return fmt.Errorf("iscsi: session %d: no connection to send async message on", session.ID)
	}
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = senseKey
	sense[7] = 0xa
	wire.SetBigEndian16(asc, sense[12:14])

	segment := make([]byte, 2+len(sense))
	wire.SetBigEndian16(uint16(len(sense)), segment[0:2])
	copy(segment[2:], sense)

	buf := make([]byte, HeaderLen+len(segment))
	buf[0] = byte(OpAsyncMessage)
	buf[1] = 0x80
	wire.LUNSetBigEndian(lun, buf[8:16])
	wire.SetBigEndian32(noTag, buf[16:20])
	buf[36] = 0 // AsyncEvent: SCSI asynchronous event
	wire.SetBigEndian32(uint32(len(segment)), buf[4:8])

	session.LockTx()
	defer session.UnlockTx()
	statSN := session.NextStatSN()
	expCmdSN, maxCmdSN := session.SequenceWindow()
	WriteCommonResponseFields(buf, statSN, expCmdSN, maxCmdSN)
	copy(buf[HeaderLen:], segment)
	return writePDU(conn, buf)
}

// BroadcastAsyncEvent delivers senseKey/asc on lun to every full-feature
// session currently authorized for lun. This is the Notifier
// internal/lum.Executive expects for LUN install/remove/resize/
// filter-change events.
func (s *Server) BroadcastAsyncEvent(lun uint64, senseKey byte, asc uint16) {
	if s.Pool == nil {
		return
	}
	s.Pool.ForEach(func(session *Session) {
		if !session.IsFullFeature() {
			return
		}
		if !session.AuthorizedLUNs()[lun] {
			return
		}
		if err := s.sendAsyncMessage(session, lun, senseKey, asc); err != nil {
			logrus.Debugf("iscsi: session %d: send async message: %v", session.ID, err)
		}
	})
}

// ConnectedInitiator returns the nth (0-indexed) initiator IQN among the
// full-feature sessions currently authorized for lun, and whether one
// exists at that index. The iteration order is the pool's own, stable only
// for the duration of one call; callers enumerate from zero until the
// second return value goes false.
func (s *Server) ConnectedInitiator(lun uint64, n int) (wire.IQN, bool) {
	if s.Pool == nil {
		return wire.IQN{}, false
	}
	var found wire.IQN
	ok := false
	i := 0
	s.Pool.ForEach(func(session *Session) {
		if ok || !session.IsFullFeature() || !session.AuthorizedLUNs()[lun] {
			return
		}
		if i == n {
			found = session.Initiator
			ok = true
		}
		i++
	})
	return found, ok
}

var _ SessionHandler = (*Server)(nil).Handle
