// Package diagnostics reads the transmitter status registers back and
// classifies them against their expected values.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/rjboer/GoTX/internal/logging"
	"github.com/rjboer/GoTX/internal/regs"
)

// RegisterReader is the read-back path the engine queries through.
type RegisterReader interface {
	ReadRegister(ctx context.Context, page uint32, addr uint16) (uint32, error)
}

// RegisterWriter is only needed when ClearErrors is enabled.
type RegisterWriter interface {
	WriteRegister(ctx context.Context, page uint32, addr uint16, value uint32) error
}

// Overall verdicts.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
)

// Result is one classified check.
type Result struct {
	CheckName string `json:"check_name"`
	Passed    bool   `json:"passed"`
	Message   string `json:"message"`
	Value     string `json:"value,omitempty"`
}

// Response is the outcome of one diagnostics run. It is never merged with a
// previous run.
type Response struct {
	Timestamp     time.Time `json:"timestamp"`
	OverallStatus string    `json:"overall_status"`
	Checks        []Result  `json:"checks"`
	ErrorCount    int       `json:"error_count"`
}

// Registers read by every run, in read order.
var Registers = []uint16{
	regs.RegDiagLevel,
	regs.RegDiagTemp,
	regs.RegDiagSupply,
	regs.RegDiagTemp2,
	regs.RegDiagClock,
	regs.RegDiagTrigger,
}

type check struct {
	name  string
	reg   uint16
	value func(v uint32) uint32
	want  uint32
}

func bit(n uint) func(uint32) uint32 { return func(v uint32) uint32 { return v >> n & 1 } }

func low(n uint) func(uint32) uint32 { return func(v uint32) uint32 { return v & (1<<n - 1) } }

// topFive extracts the 5-bit validity signature in [31:27].
func topFive() func(uint32) uint32 { return func(v uint32) uint32 { return v >> 27 } }

var checks = []check{
	{"TEMP_SHUT_ERR[11:6]", regs.RegDiagTemp, low(6), 0},
	{"TEMP_SHUT_ERR[5:0]", regs.RegDiagTemp2, low(6), 0},
	{"NO_CLK_ERR", regs.RegDiagClock, bit(16), 1},
	{"SINGLE_LVL_ERR", regs.RegDiagLevel, bit(0), 0},
	{"LONG_TRAN_ERR", regs.RegDiagLevel, bit(2), 0},
	{"P5V_SUP_ERR", regs.RegDiagSupply, bit(4), 0},
	{"M5V_SUP_ERR", regs.RegDiagSupply, bit(5), 0},
	{"PHV_RANGE_ERR", regs.RegDiagSupply, bit(15), 0},
	{"TRIG_ERR", regs.RegDiagTrigger, bit(2), 0},
	{"STANDBY_ERR", regs.RegDiagTrigger, bit(0), 0},
	{"VALID_FLAG_1", regs.RegDiagTemp, topFive(), 21},
	{"VALID_FLAG_2", regs.RegDiagSupply, topFive(), 10},
	{"VALID_FLAG_3", regs.RegDiagTemp2, topFive(), 11},
	{"VALID_FLAG_4", regs.RegDiagClock, topFive(), 22},
	{"VALID_FLAG_5", regs.RegDiagTrigger, topFive(), 25},
	{"ERROR_RST", regs.RegDiagTemp, bit(16), 0},
}

// errorResetBit is ERROR_RST in the temperature status register.
const errorResetBit = 1 << 16

// Engine runs the board diagnostics.
type Engine struct {
	// ClearErrors makes a failing run pulse the error-reset latch. This
	// writes to the device, so it is off unless asked for.
	ClearErrors bool
	// ResetHold is how long ERROR_RST stays asserted.
	ResetHold time.Duration
	Logger    logging.Logger
	now       func() time.Time
}

// NewEngine returns a read-only engine.
func NewEngine(logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{ResetHold: time.Second, Logger: logger, now: time.Now}
}

// Run reads every diagnostic register through r and classifies the checks.
// A read failure produces a failing DIAGNOSTICS entry and is also returned,
// as is a write failure while resetting the error flags.
func (e *Engine) Run(ctx context.Context, r RegisterReader) (Response, error) {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	resp := Response{Timestamp: now(), OverallStatus: StatusPass}

	values := make(map[uint16]uint32, len(Registers))
	for _, addr := range Registers {
		v, err := r.ReadRegister(ctx, regs.PageGlobal, addr)
		if err != nil {
			resp.Checks = append(resp.Checks, Result{
				CheckName: "DIAGNOSTICS",
				Message:   fmt.Sprintf("Diagnostic error: read 0x%02X: %v", addr, err),
			})
			resp.OverallStatus = StatusFail
			resp.ErrorCount = 1
			e.Logger.Error("diagnostics read failed", logging.Field{Key: "register", Value: fmt.Sprintf("0x%02X", addr)}, logging.Err(err))
			return resp, fmt.Errorf("diagnostics: read register 0x%02X: %w", addr, err)
		}
		values[addr] = v
	}

	for _, c := range checks {
		got := c.value(values[c.reg])
		passed := got == c.want
		verdict := "PASSED"
		if !passed {
			verdict = "FAILED"
			resp.ErrorCount++
		}
		resp.Checks = append(resp.Checks, Result{
			CheckName: c.name,
			Passed:    passed,
			Message:   fmt.Sprintf("%s: %s", c.name, verdict),
			Value:     fmt.Sprintf("%d", got),
		})
	}
	if resp.ErrorCount > 0 {
		resp.OverallStatus = StatusFail
	}

	if resp.ErrorCount > 0 && e.ClearErrors {
		res, err := e.clearErrors(ctx, r, values)
		resp.Checks = append(resp.Checks, res)
		if err != nil {
			e.Logger.Error("error reset failed", logging.Err(err))
			return resp, fmt.Errorf("diagnostics: reset error flags: %w", err)
		}
	}

	e.Logger.Info("diagnostics complete",
		logging.Field{Key: "status", Value: resp.OverallStatus},
		logging.Field{Key: "failed", Value: resp.ErrorCount})
	return resp, nil
}

func (e *Engine) clearErrors(ctx context.Context, r RegisterReader, values map[uint16]uint32) (Result, error) {
	res := Result{CheckName: "ERROR_RESET"}
	w, ok := r.(RegisterWriter)
	if !ok {
		res.Message = "Failed to reset error flags: reader cannot write"
		return res, nil
	}
	failed := func(err error) (Result, error) {
		res.Message = fmt.Sprintf("Failed to reset error flags: %v", err)
		return res, err
	}

	if values[regs.RegDiagClock]>>16&1 != 1 {
		if err := w.WriteRegister(ctx, regs.PageGlobal, regs.RegSync, regs.SyncClockDetect); err != nil {
			return failed(err)
		}
	}
	if err := w.WriteRegister(ctx, regs.PageGlobal, regs.RegDiagTemp, errorResetBit); err != nil {
		return failed(err)
	}
	select {
	case <-time.After(e.ResetHold):
	case <-ctx.Done():
	}
	// The latch must be released even if the caller gave up waiting.
	if err := w.WriteRegister(context.WithoutCancel(ctx), regs.PageGlobal, regs.RegDiagTemp, 0); err != nil {
		return failed(err)
	}
	res.Passed = true
	res.Message = "Error flags reset attempted"
	return res, nil
}

// Nominal returns register contents for a healthy, clocked device. Every
// check passes against these values.
func Nominal() map[uint16]uint32 {
	return map[uint16]uint32{
		regs.RegDiagLevel:   0,
		regs.RegDiagTemp:    21 << 27,
		regs.RegDiagSupply:  10 << 27,
		regs.RegDiagTemp2:   11 << 27,
		regs.RegDiagClock:   22<<27 | 1<<16,
		regs.RegDiagTrigger: 25 << 27,
	}
}
