package diagnostics

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rjboer/GoTX/internal/logging"
	"github.com/rjboer/GoTX/internal/regs"
)

type fakeDevice struct {
	values map[uint16]uint32
	failAt uint16
	// writeErr fails every write once set.
	writeErr error
	writes   []regs.Write
}

func (f *fakeDevice) ReadRegister(_ context.Context, page uint32, addr uint16) (uint32, error) {
	if addr == f.failAt {
		return 0, errors.New("link down")
	}
	return f.values[addr], nil
}

func (f *fakeDevice) WriteRegister(_ context.Context, page uint32, addr uint16, value uint32) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, regs.Write{Page: page, Addr: addr, Value: value})
	return nil
}

func newTestEngine() *Engine {
	e := NewEngine(logging.New(logging.Debug, logging.Text, io.Discard))
	e.ResetHold = time.Millisecond
	return e
}

func TestRunAllPass(t *testing.T) {
	dev := &fakeDevice{values: Nominal()}
	resp, err := newTestEngine().Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.OverallStatus != StatusPass || resp.ErrorCount != 0 || len(resp.Checks) != len(checks) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(dev.writes) != 0 {
		t.Fatalf("read-only run wrote %d registers", len(dev.writes))
	}
}

func TestRunClassifiesFailures(t *testing.T) {
	values := Nominal()
	values[regs.RegDiagClock] &^= 1 << 16 // clock lost
	values[regs.RegDiagSupply] |= 1 << 4  // +5V supply error
	dev := &fakeDevice{values: values}

	resp, err := newTestEngine().Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.OverallStatus != StatusFail || resp.ErrorCount != 2 {
		t.Fatalf("status %s errors %d", resp.OverallStatus, resp.ErrorCount)
	}
	failed := map[string]bool{}
	for _, c := range resp.Checks {
		if !c.Passed {
			failed[c.CheckName] = true
		}
	}
	if !failed["NO_CLK_ERR"] || !failed["P5V_SUP_ERR"] {
		t.Fatalf("failed checks = %v", failed)
	}
	if len(dev.writes) != 0 {
		t.Fatalf("ClearErrors disabled but %d writes issued", len(dev.writes))
	}
}

func TestRunClearErrors(t *testing.T) {
	values := Nominal()
	values[regs.RegDiagClock] &^= 1 << 16
	dev := &fakeDevice{values: values}
	e := newTestEngine()
	e.ClearErrors = true

	resp, err := e.Run(context.Background(), dev)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	last := resp.Checks[len(resp.Checks)-1]
	if last.CheckName != "ERROR_RESET" || !last.Passed {
		t.Fatalf("last check = %+v", last)
	}
	want := []regs.Write{
		{Page: regs.PageGlobal, Addr: regs.RegSync, Value: regs.SyncClockDetect},
		{Page: regs.PageGlobal, Addr: regs.RegDiagTemp, Value: errorResetBit},
		{Page: regs.PageGlobal, Addr: regs.RegDiagTemp, Value: 0},
	}
	if len(dev.writes) != len(want) {
		t.Fatalf("writes = %+v", dev.writes)
	}
	for i := range want {
		if dev.writes[i] != want[i] {
			t.Fatalf("write %d = %+v, want %+v", i, dev.writes[i], want[i])
		}
	}
}

func TestRunReadFailure(t *testing.T) {
	dev := &fakeDevice{values: Nominal(), failAt: regs.RegDiagSupply}
	resp, err := newTestEngine().Run(context.Background(), dev)
	if err == nil {
		t.Fatalf("expected error")
	}
	if resp.OverallStatus != StatusFail || len(resp.Checks) != 1 || resp.Checks[0].CheckName != "DIAGNOSTICS" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestRunClearErrorsWriteFailure(t *testing.T) {
	values := Nominal()
	values[regs.RegDiagTrigger] |= 1 // STANDBY_ERR
	linkDown := errors.New("link down")
	dev := &fakeDevice{values: values, writeErr: linkDown}
	e := newTestEngine()
	e.ClearErrors = true

	resp, err := e.Run(context.Background(), dev)
	if !errors.Is(err, linkDown) {
		t.Fatalf("err = %v, want %v", err, linkDown)
	}
	if resp.OverallStatus != StatusFail {
		t.Fatalf("status = %s", resp.OverallStatus)
	}
	last := resp.Checks[len(resp.Checks)-1]
	if last.CheckName != "ERROR_RESET" || last.Passed {
		t.Fatalf("last check = %+v", last)
	}
}
