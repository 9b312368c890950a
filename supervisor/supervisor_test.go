package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestChildIsNilBeforeTrack(t *testing.T) {
	s := New(time.Second, zaptest.NewLogger(t))
	if s.Child() != nil {
		t.Error("Child() should be nil before any Track call")
	}
}

func TestKillClearsTheSlot(t *testing.T) {
	s := New(3*time.Second, zaptest.NewLogger(t))
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start test process: %v", err)
	}
	s.Track(cmd)

	if s.Child() == nil {
		t.Fatal("Child() should be non-nil after Track")
	}

	_ = s.Kill()

	if s.Child() != nil {
		t.Error("Child() should be nil after Kill")
	}
}

func TestKillOnEmptySlotIsANoOp(t *testing.T) {
	s := New(time.Second, zaptest.NewLogger(t))
	if err := s.Kill(); err != nil {
		t.Errorf("Kill() on empty slot = %v, want nil", err)
	}
}
