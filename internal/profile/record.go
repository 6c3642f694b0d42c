// Package profile persists complete transmitter configurations: the channel
// table, the beamforming target and the excitation pattern.
package profile

import (
	"errors"
	"fmt"
	"time"

	"github.com/rjboer/GoTX/internal/beam"
	"github.com/rjboer/GoTX/internal/channel"
	"github.com/rjboer/GoTX/internal/pattern"
)

// Record format identifiers.
const (
	Version           = "1.0"
	DefaultDeviceType = "TX7332"
)

var ErrInvalidRecord = errors.New("profile: invalid record")

// Beamforming is the stored beamforming target. AutoCalculate selects focal
// point mode; otherwise the steering angle is used.
type Beamforming struct {
	FocalXmm      float64 `json:"focal_point_x_mm" yaml:"focal_point_x_mm" cbor:"focal_point_x_mm"`
	FocalZmm      float64 `json:"focal_point_z_mm" yaml:"focal_point_z_mm" cbor:"focal_point_z_mm"`
	SteeringDeg   float64 `json:"steering_angle_deg" yaml:"steering_angle_deg" cbor:"steering_angle_deg"`
	SpeedOfSound  float64 `json:"speed_of_sound" yaml:"speed_of_sound" cbor:"speed_of_sound"`
	AutoCalculate bool    `json:"auto_calculate" yaml:"auto_calculate" cbor:"auto_calculate"`
}

// Pattern is the stored excitation selection. CustomHex, when set, holds the
// raw pattern memory as hex.
type Pattern struct {
	Type         pattern.Kind `json:"pattern_type" yaml:"pattern_type" cbor:"pattern_type"`
	FrequencyMHz float64      `json:"frequency_mhz" yaml:"frequency_mhz" cbor:"frequency_mhz"`
	Cycles       int          `json:"cycles" yaml:"cycles" cbor:"cycles"`
	CustomHex    string       `json:"custom_hex,omitempty" yaml:"custom_hex,omitempty" cbor:"custom_hex,omitempty"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty" cbor:"description,omitempty"`
}

// Metadata describes a record for listing.
type Metadata struct {
	Name        string    `json:"name" yaml:"name" cbor:"name"`
	Description string    `json:"description" yaml:"description" cbor:"description"`
	Author      string    `json:"author" yaml:"author" cbor:"author"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at" cbor:"created_at"`
}

// Record is one stored configuration.
type Record struct {
	Version     string           `json:"version" yaml:"version" cbor:"version"`
	DeviceType  string           `json:"device_type" yaml:"device_type" cbor:"device_type"`
	Timestamp   time.Time        `json:"timestamp" yaml:"timestamp" cbor:"timestamp"`
	Channels    []channel.Config `json:"channels" yaml:"channels" cbor:"channels"`
	Beamforming Beamforming      `json:"beamforming" yaml:"beamforming" cbor:"beamforming"`
	Pattern     Pattern          `json:"pattern" yaml:"pattern" cbor:"pattern"`
	Metadata    Metadata         `json:"metadata" yaml:"metadata" cbor:"metadata"`
}

// Capture snapshots a configuration into a record.
func Capture(bank *channel.Bank, t beam.Target, spec pattern.Spec, meta Metadata) *Record {
	r := &Record{
		Version:    Version,
		DeviceType: DefaultDeviceType,
		Timestamp:  time.Now().UTC(),
		Channels:   bank.Configs(),
		Beamforming: Beamforming{
			FocalXmm:      t.FocalXmm,
			FocalZmm:      t.FocalZmm,
			SteeringDeg:   t.SteeringDeg,
			SpeedOfSound:  t.SpeedOfSound,
			AutoCalculate: t.Mode == beam.ModeFocus,
		},
		Pattern: Pattern{
			Type:         spec.Type,
			FrequencyMHz: spec.FrequencyMHz,
			Cycles:       spec.Cycles,
			Description:  spec.Description,
		},
		Metadata: meta,
	}
	if spec.Custom != nil {
		r.Pattern.Type = pattern.KindCustom
		r.Pattern.CustomHex = pattern.FormatHex(spec.Custom)
	}
	if r.Metadata.CreatedAt.IsZero() {
		r.Metadata.CreatedAt = r.Timestamp
	}
	return r
}

// Bank rebuilds the channel table. All 32 channels must be present.
func (r *Record) Bank() (*channel.Bank, error) {
	b, err := channel.NewBankFrom(r.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	return b, nil
}

// Target rebuilds the beamforming target. The inactive mode's fields are kept
// too, so switching modes after a load finds the stored values.
func (r *Record) Target() beam.Target {
	bf := r.Beamforming
	t := beam.Target{
		Mode:         beam.ModeSteer,
		FocalXmm:     bf.FocalXmm,
		FocalZmm:     bf.FocalZmm,
		SteeringDeg:  bf.SteeringDeg,
		SpeedOfSound: bf.SpeedOfSound,
	}
	if bf.AutoCalculate {
		t.Mode = beam.ModeFocus
	}
	return t
}

// PatternSpec rebuilds the pattern request.
func (r *Record) PatternSpec() (pattern.Spec, error) {
	p := r.Pattern
	spec := pattern.Spec{Type: p.Type, FrequencyMHz: p.FrequencyMHz, Cycles: p.Cycles, Description: p.Description}
	if p.CustomHex != "" {
		raw, err := pattern.ParseHex(p.CustomHex)
		if err != nil {
			return pattern.Spec{}, fmt.Errorf("%w: custom_hex: %w", ErrInvalidRecord, err)
		}
		spec.Type = pattern.KindCustom
		spec.Custom = raw
	}
	return spec, nil
}

// Validate checks that the record can be turned back into a configuration.
func (r *Record) Validate() error {
	if r.Version != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidRecord, r.Version)
	}
	if r.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name is required", ErrInvalidRecord)
	}
	if _, err := r.Bank(); err != nil {
		return err
	}
	if err := r.Target().Validate(); err != nil {
		return fmt.Errorf("%w: beamforming: %w", ErrInvalidRecord, err)
	}
	spec, err := r.PatternSpec()
	if err != nil {
		return err
	}
	if _, err := pattern.Encode(spec); err != nil {
		return fmt.Errorf("%w: pattern: %w", ErrInvalidRecord, err)
	}
	return nil
}
