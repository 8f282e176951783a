package transport

import "testing"

func TestStreamFSMBothSidesCloseIndependently(t *testing.T) {
	f := newStreamFSM(RoleClient)
	if done := f.closeLocal(); done {
		t.Fatalf("closeLocal alone should not finish the stream")
	}
	if f.currentState() != streamLocalClosed {
		t.Fatalf("want local-closed, got %v", f.currentState())
	}
	if !f.canReceive() {
		t.Fatalf("local-closed side should still accept inbound frames")
	}
	if f.canSend() {
		t.Fatalf("local-closed side should not be able to send")
	}
	if done := f.closeRemote(); !done {
		t.Fatalf("closing the remaining direction should finish the stream")
	}
	if f.currentState() != streamDone {
		t.Fatalf("want done, got %v", f.currentState())
	}
}

func TestStreamFSMRemoteFirst(t *testing.T) {
	f := newStreamFSM(RoleServer)
	if done := f.closeRemote(); done {
		t.Fatalf("closeRemote alone should not finish the stream")
	}
	if f.canReceive() {
		t.Fatalf("remote-closed side should not expect more inbound frames")
	}
	if !f.canSend() {
		t.Fatalf("remote-closed side should still be able to send its response")
	}
	if done := f.closeLocal(); !done {
		t.Fatalf("closing the remaining direction should finish the stream")
	}
}

func TestStreamFSMResetIsTerminal(t *testing.T) {
	f := newStreamFSM(RoleClient)
	if !f.reset() {
		t.Fatalf("first reset should report a transition")
	}
	if f.reset() {
		t.Fatalf("second reset should report no further transition")
	}
	if f.canSend() || f.canReceive() {
		t.Fatalf("a reset stream must refuse further I/O")
	}
	if f.closeLocal() != true || f.closeRemote() != true {
		t.Fatalf("close calls on an already-reset stream should report done")
	}
}
