package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rjboer/GoTX/internal/beam"
	"github.com/rjboer/GoTX/internal/channel"
	"github.com/rjboer/GoTX/internal/device"
	"github.com/rjboer/GoTX/internal/pattern"
	"github.com/rjboer/GoTX/internal/profile"
)

var errQuit = errors.New("quit")

// commander executes one command line against the session. The one-shot CLI
// and the interactive shell share it.
type commander struct {
	sess         *device.Session
	store        *profile.Store
	speedOfSound float64
	out          io.Writer
}

func usage(format string) error {
	return fmt.Errorf("usage: %s", format)
}

func (c *commander) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	cmd, rest := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "connect":
		return c.cmdConnect(ctx, rest)
	case "disconnect":
		return c.sess.Disconnect()
	case "status", "st":
		c.cmdStatus()
	case "channels", "ch":
		c.cmdChannels()
	case "set":
		return c.cmdSet(rest)
	case "preset":
		return c.cmdPreset(rest)
	case "clear-channels":
		return c.sess.ResetChannels()
	case "focus":
		return c.cmdFocus(rest)
	case "steer":
		return c.cmdSteer(rest)
	case "beam":
		return c.cmdBeam(rest)
	case "presets":
		c.cmdPresets()
	case "apply":
		return c.cmdApply(ctx, rest)
	case "pattern":
		return c.cmdPattern(ctx, rest)
	case "reset":
		return c.cmdReset(ctx, rest)
	case "diag", "diagnostics":
		return c.cmdDiag(ctx)
	case "save":
		return c.cmdSave(rest)
	case "load":
		return c.cmdLoad(rest)
	case "list", "ls":
		return c.cmdList()
	case "delete", "rm":
		if len(rest) != 1 {
			return usage("delete <file>")
		}
		return c.store.Delete(rest[0])
	case "export":
		if len(rest) != 2 {
			return usage("export <file> <json|yaml|cbor>")
		}
		return c.store.Export(rest[0], rest[1], c.out)
	case "quit", "exit", "q":
		return errQuit
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
	return nil
}

func (c *commander) printHelp() {
	fmt.Fprintln(c.out, `
Device:
  connect [address]          - Connect; without address probe listed and default devices
  disconnect                 - Release the device
  status                     - Show session state
  reset <hardware|software|memory>
  diag                       - Run board diagnostics

Channel model:
  channels                   - Show the 32-channel table
  set <id> key=value...      - Edit a channel (enabled, mode, delay, frac, powerdown)
  preset <all-tx|all-rx|half-tx-half-rx>
  clear-channels             - Restore channel defaults

Beamforming:
  focus <x_mm> <z_mm> [c]    - Compute focal delays into the model
  steer <deg> [c]            - Compute steering delays into the model
  beam <preset>              - Use a beamforming preset
  presets                    - List beamforming and pattern presets
  apply [channels|beam]      - Write the model (beam recompiles the target first)
  pattern <type> | pattern custom <hex>

Profiles:
  save <file> <name...>      - Save model, target and pattern
  load <file>                - Load a profile into the model
  list | delete <file> | export <file> <format>

  help | quit`)
}

func (c *commander) cmdConnect(ctx context.Context, args []string) error {
	if err := c.sess.Connect(ctx, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "connected to %s\n", c.sess.Status().Address)
	return nil
}

func (c *commander) cmdStatus() {
	st := c.sess.Status()
	fmt.Fprintf(c.out, "session:       %s\n", st.SessionID)
	fmt.Fprintf(c.out, "state:         %s\n", st.State)
	if st.Address != "" {
		fmt.Fprintf(c.out, "address:       %s\n", st.Address)
		fmt.Fprintf(c.out, "uptime:        %s\n", st.Uptime.Round(time.Millisecond))
	}
	fmt.Fprintf(c.out, "model in sync: %t\n", st.ModelInSync)
	if st.LivePattern != "" {
		fmt.Fprintf(c.out, "live pattern:  %s\n", st.LivePattern)
	}
	fmt.Fprintf(c.out, "target:        %s\n", describeTarget(st.Target))
	if st.LastError != "" {
		fmt.Fprintf(c.out, "last error:    %s\n", st.LastError)
	}
}

func describeTarget(t beam.Target) string {
	if t.Mode == beam.ModeSteer {
		return fmt.Sprintf("steer %.1f deg, c=%g m/s", t.SteeringDeg, t.SpeedOfSound)
	}
	return fmt.Sprintf("focus x=%.2f mm z=%.2f mm, c=%g m/s", t.FocalXmm, t.FocalZmm, t.SpeedOfSound)
}

func (c *commander) cmdChannels() {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CH\tEN\tMODE\tDELAY\tFRAC\tPD")
	for _, ch := range c.sess.Channels() {
		fmt.Fprintf(tw, "%d\t%t\t%s\t%d\t%t\t%t\n", ch.ID, ch.Enabled, ch.Mode, ch.DelayCycles, ch.DelayFractional, ch.PowerDown)
	}
	tw.Flush()
}

func parseFields(args []string) (channel.Fields, error) {
	var f channel.Fields
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return f, fmt.Errorf("expected key=value, got %q", kv)
		}
		switch strings.ToLower(k) {
		case "enabled", "en":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", k, err)
			}
			f.Enabled = &b
		case "mode":
			m, err := channel.ParseMode(v)
			if err != nil {
				return f, err
			}
			f.Mode = &m
		case "delay":
			n, err := strconv.Atoi(v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", k, err)
			}
			f.DelayCycles = &n
		case "frac":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", k, err)
			}
			f.DelayFractional = &b
		case "powerdown", "pd":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return f, fmt.Errorf("%s: %w", k, err)
			}
			f.PowerDown = &b
		default:
			return f, fmt.Errorf("unknown channel field %q", k)
		}
	}
	return f, nil
}

func (c *commander) cmdSet(args []string) error {
	if len(args) < 2 {
		return usage("set <id> key=value...")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("channel id: %w", err)
	}
	f, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	return c.sess.SetChannel(id, f)
}

func (c *commander) cmdPreset(args []string) error {
	if len(args) != 1 {
		return usage("preset <all-tx|all-rx|half-tx-half-rx>")
	}
	p, err := channel.ParsePreset(args[0])
	if err != nil {
		return err
	}
	return c.sess.ApplyChannelPreset(p)
}

func parseFloats(args []string, names ...string) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", names[i], err)
		}
		out[i] = v
	}
	return out, nil
}

func (c *commander) compile(t beam.Target) error {
	d, err := c.sess.UpdateBeamforming(t)
	if err != nil {
		return err
	}
	maxCycles := 0
	for _, ch := range c.sess.Channels() {
		maxCycles = max(maxCycles, ch.DelayCycles)
	}
	fmt.Fprintf(c.out, "%s: %d delays, max %d cycles\n", describeTarget(t), len(d), maxCycles)
	return nil
}

func (c *commander) cmdFocus(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usage("focus <x_mm> <z_mm> [speed_of_sound]")
	}
	v, err := parseFloats(args, "x_mm", "z_mm", "speed_of_sound")
	if err != nil {
		return err
	}
	speed := c.speedOfSound
	if len(v) == 3 {
		speed = v[2]
	}
	return c.compile(beam.Focus(v[0], v[1], speed))
}

func (c *commander) cmdSteer(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usage("steer <deg> [speed_of_sound]")
	}
	v, err := parseFloats(args, "deg", "speed_of_sound")
	if err != nil {
		return err
	}
	speed := c.speedOfSound
	if len(v) == 2 {
		speed = v[1]
	}
	return c.compile(beam.Steer(v[0], speed))
}

func (c *commander) cmdBeam(args []string) error {
	if len(args) != 1 {
		return usage("beam <preset>")
	}
	p, err := beam.ParsePreset(args[0])
	if err != nil {
		return err
	}
	return c.compile(p.Target())
}

func (c *commander) cmdPresets() {
	fmt.Fprintln(c.out, "beamforming:")
	for _, p := range beam.Presets {
		fmt.Fprintf(c.out, "  %-16s %s\n", p, describeTarget(p.Target()))
	}
	fmt.Fprintln(c.out, "patterns:")
	for _, p := range pattern.Presets() {
		fmt.Fprintf(c.out, "  %-22s %s\n", p.Kind, p.Description)
	}
}

func (c *commander) cmdApply(ctx context.Context, args []string) error {
	what := "channels"
	if len(args) > 0 {
		what = strings.ToLower(args[0])
	}
	switch what {
	case "channels":
		if err := c.sess.ApplyChannels(ctx, nil); err != nil {
			return err
		}
	case "beam":
		if _, err := c.sess.ApplyBeamforming(ctx, c.sess.Target()); err != nil {
			return err
		}
	default:
		return usage("apply [channels|beam]")
	}
	fmt.Fprintln(c.out, "applied")
	return nil
}

func (c *commander) cmdPattern(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("pattern <type> | pattern custom <hex>")
	}
	var spec pattern.Spec
	if strings.EqualFold(args[0], pattern.KindCustom.String()) {
		raw, err := pattern.ParseHex(strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		spec = pattern.Spec{Type: pattern.KindCustom, Custom: raw}
	} else {
		k, err := pattern.ParseKind(args[0])
		if err != nil {
			return err
		}
		spec = pattern.Spec{Type: k}
	}
	m, err := c.sess.ApplyPattern(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "pattern %s live: %s\n", m.Kind, pattern.FormatHex(m.Bytes()))
	return nil
}

func (c *commander) cmdReset(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return usage("reset <hardware|software|memory>")
	}
	k, err := device.ParseResetKind(strings.ToLower(args[0]))
	if err != nil {
		return err
	}
	if err := c.sess.Reset(ctx, k); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s reset done\n", k)
	return nil
}

func (c *commander) cmdDiag(ctx context.Context) error {
	resp, err := c.sess.RunDiagnostics(ctx)
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, r := range resp.Checks {
		verdict := "ok"
		if !r.Passed {
			verdict = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.CheckName, verdict, r.Value)
	}
	tw.Flush()
	fmt.Fprintf(c.out, "overall: %s (%d failed)\n", resp.OverallStatus, resp.ErrorCount)
	return err
}

func (c *commander) cmdSave(args []string) error {
	if len(args) < 2 {
		return usage("save <file> <name...>")
	}
	rec := profile.Capture(c.sess.Bank(), c.sess.Target(), c.sess.PatternSpec(), profile.Metadata{Name: strings.Join(args[1:], " ")})
	file, err := c.store.Save(args[0], rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "saved %s\n", file)
	return nil
}

func (c *commander) cmdLoad(args []string) error {
	if len(args) != 1 {
		return usage("load <file>")
	}
	rec, err := c.store.Load(args[0])
	if err != nil {
		return err
	}
	bank, err := rec.Bank()
	if err != nil {
		return err
	}
	spec, err := rec.PatternSpec()
	if err != nil {
		return err
	}
	if err := c.sess.LoadModel(bank, rec.Target(), spec); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "loaded %q; apply to make it live\n", rec.Metadata.Name)
	return nil
}

func (c *commander) cmdList() error {
	entries, err := c.store.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tNAME\tCREATED\tDEVICE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Filename, e.Name, e.CreatedAt.Format("2006-01-02 15:04"), e.DeviceType)
	}
	tw.Flush()
	return nil
}
