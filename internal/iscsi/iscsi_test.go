package iscsi

import (
	"errors"
	"testing"
)

func TestParseTextKeys(t *testing.T) {
	buf := append([]byte("InitiatorName=iqn.1994-05.com.redhat:client\x00"), []byte("SessionType=Normal\x00")...)
	got := ParseTextKeys(buf)
	if got["InitiatorName"] != "iqn.1994-05.com.redhat:client" {
		t.Fatalf("unexpected InitiatorName: %q", got["InitiatorName"])
	}
	if got["SessionType"] != "Normal" {
		t.Fatalf("unexpected SessionType: %q", got["SessionType"])
	}
}

func TestNegotiateBinaryOrAnd(t *testing.T) {
	n := NewNegotiator("iqn.2004-05.com.seanodes:exanodes-test", ConfigDiskMaxBurst)
	resp := n.Negotiate(map[string]string{"InitialR2T": "No", "ImmediateData": "No"})
	if resp["InitialR2T"] != "Yes" {
		t.Fatalf("InitialR2T binary-or should stay Yes, got %q", resp["InitialR2T"])
	}
	if resp["ImmediateData"] != "No" {
		t.Fatalf("ImmediateData binary-and should go No, got %q", resp["ImmediateData"])
	}
}

func TestNegotiateNumericalZeroUnbounded(t *testing.T) {
	n := NewNegotiator("tgt", 262144)
	resp := n.Negotiate(map[string]string{"MaxRecvDataSegmentLength": "65536"})
	if resp["MaxRecvDataSegmentLength"] != "65536" {
		t.Fatalf("expected min(local,offer)=65536, got %q", resp["MaxRecvDataSegmentLength"])
	}
}

func TestNegotiateListPicksFirstLocalMatch(t *testing.T) {
	n := NewNegotiator("tgt", 262144)
	resp := n.Negotiate(map[string]string{"AuthMethod": "CHAP,None"})
	if resp["AuthMethod"] != "CHAP" {
		t.Fatalf("expected first offered value present locally, got %q", resp["AuthMethod"])
	}
}

func TestCompleteFullFeatureRequiresInitiatorName(t *testing.T) {
	n := NewNegotiator("iqn.2004-05.com.seanodes:exanodes-test", 262144)
	if err := n.CompleteFullFeature(); err != ErrMissingInitiatorName {
		t.Fatalf("expected ErrMissingInitiatorName, got %v", err)
	}
}

func TestCompleteFullFeatureChecksTargetName(t *testing.T) {
	n := NewNegotiator("iqn.2004-05.com.seanodes:exanodes-test", 262144)
	n.Negotiate(map[string]string{
		"InitiatorName": "iqn.1994-05.com.redhat:client",
		"TargetName":    "iqn.2004-05.com.seanodes:exanodes-wrong",
	})
	if err := n.CompleteFullFeature(); !errors.Is(err, ErrWrongTargetName) {
		t.Fatalf("expected ErrWrongTargetName, got %v", err)
	}
}

func TestCompleteFullFeatureAcceptsMatchingTargetName(t *testing.T) {
	n := NewNegotiator("iqn.2004-05.com.seanodes:exanodes-test", 262144)
	n.Negotiate(map[string]string{
		"InitiatorName": "iqn.1994-05.com.redhat:client",
		"TargetName":    "iqn.2004-05.com.seanodes:exanodes-test",
	})
	if err := n.CompleteFullFeature(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDiscoverySessionTypeRecognized(t *testing.T) {
	n := NewNegotiator("iqn.2004-05.com.seanodes:exanodes-test", 262144)
	n.Negotiate(map[string]string{
		"InitiatorName": "iqn.1994-05.com.redhat:client",
		"SessionType":   "Discovery",
	})
	if !n.IsDiscovery() {
		t.Fatal("expected Discovery session type to be recorded")
	}
	// Discovery sessions do not name a target, and must still log in.
	if err := n.CompleteFullFeature(); err != nil {
		t.Fatalf("unexpected error completing discovery login: %v", err)
	}
}

func TestSessionSequenceWindow(t *testing.T) {
	s := NewSession(0, 0, 4, nil)
	exp, max := s.SequenceWindow()
	if exp != 0 || max != 3 {
		t.Fatalf("expected (0,3) before any command, got (%d,%d)", exp, max)
	}
	s.AdvanceExpCmdSN(0)
	s.BeginTask(1, nil)
	exp, max = s.SequenceWindow()
	if exp != 1 || max != 3 {
		t.Fatalf("expected (1,3) after one command pending, got (%d,%d)", exp, max)
	}
}

func TestGlobalSessionID(t *testing.T) {
	s := NewSession(5, 2, 4, nil)
	want := 5 + ConfigTargetMaxSessions*2
	if got := s.GlobalSessionID(); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestPoolAcquireExhaustion(t *testing.T) {
	p := NewPool(1)
	s1, err := p.Acquire(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(0, nil); err != ErrPoolExhausted {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	p.Release(s1.ID)
	if _, err := p.Acquire(0, nil); err != nil {
		t.Fatalf("expected a slot to be free after release, got %v", err)
	}
}

func TestPlanDataOutAllImmediate(t *testing.T) {
	plan := PlanDataOut(100, 100, 262144, true, true)
	if plan.ImmediateLen != 100 || plan.NeedR2T {
		t.Fatalf("expected fully satisfied by immediate data, got %+v", plan)
	}
}

func TestPlanDataOutNeedsR2T(t *testing.T) {
	plan := PlanDataOut(500000, 100, 262144, true, true)
	if plan.ImmediateLen != 100 || !plan.NeedR2T {
		t.Fatalf("expected R2T needed under InitialR2T, got %+v", plan)
	}
}

func TestPlanDataOutWaitsForUnsolicited(t *testing.T) {
	plan := PlanDataOut(500, 100, 1000, true, false)
	if plan.NeedR2T {
		t.Fatalf("expected to wait for unsolicited data under FirstBurstLength, got %+v", plan)
	}
}

func TestPlanR2TsDistinctSequence(t *testing.T) {
	s := NewSession(0, 0, 4, nil)
	r2ts := PlanR2Ts(s, 0, 600000, 262144)
	if len(r2ts) != 3 {
		t.Fatalf("expected 3 R2Ts for 600000 bytes in 262144 chunks, got %d", len(r2ts))
	}
	for i, r := range r2ts {
		if r.R2TSN != uint32(i) {
			t.Fatalf("expected sequential R2TSN, got %+v at %d", r, i)
		}
	}
	if r2ts[2].Length != 600000-2*262144 {
		t.Fatalf("unexpected final chunk length: %+v", r2ts[2])
	}
}

func TestPlanReadDataSplitsByMaxSegment(t *testing.T) {
	sizes := PlanReadData(700000, 262144)
	if len(sizes) != 3 {
		t.Fatalf("expected 3 segments, got %d: %v", len(sizes), sizes)
	}
	total := 0
	for _, n := range sizes {
		total += n
	}
	if total != 700000 {
		t.Fatalf("expected sizes to sum to 700000, got %d", total)
	}
}

func TestParseHeaderOpcodeAndFlags(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x40 | byte(OpLoginReq)
	buf[1] = 0x80
	wireSetLUN(buf[8:16], 3)
	wireSetBE32(buf[16:20], 0xabcdef01)
	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !h.Immediate || h.Opcode != OpLoginReq || !h.Final {
		t.Fatalf("unexpected header: %+v", h)
	}
	if h.LUN != 3 {
		t.Fatalf("expected LUN 3, got %d", h.LUN)
	}
	if h.InitiatorTaskTag != 0xabcdef01 {
		t.Fatalf("unexpected tag: %#x", h.InitiatorTaskTag)
	}
}

func TestHandleTaskManagementNoSuchTask(t *testing.T) {
	s := NewSession(0, 0, 4, nil)
	resp := HandleTaskManagement(s, Hooks{}, FnAbortTask, 0, 99)
	if resp != RespNoSuchTask {
		t.Fatalf("expected RespNoSuchTask, got %v", resp)
	}
}

func TestHandleTaskManagementLogicalUnitReset(t *testing.T) {
	called := false
	hooks := Hooks{ResetLUN: func(lun uint64, notifyReset func()) { called = true }}
	resp := HandleTaskManagement(nil, hooks, FnLogicalUnitReset, 5, 0)
	if resp != RespFunctionComplete || !called {
		t.Fatalf("expected reset hook invoked and FunctionComplete, got %v called=%v", resp, called)
	}
}

func TestHandleTaskManagementUnsupported(t *testing.T) {
	resp := HandleTaskManagement(nil, Hooks{}, FnTaskReassign, 0, 0)
	if resp != RespTaskMgmtNotSupported {
		t.Fatalf("expected RespTaskMgmtNotSupported, got %v", resp)
	}
}

func wireSetLUN(buf []byte, lun uint16) {
	buf[0] = byte(lun >> 8)
	buf[1] = byte(lun)
}

func wireSetBE32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}
