package vad

import "github.com/harunnryd/duplex/pkg/audio"

// DefaultEnergyReference is the RMS level that maps to probability 1.
const DefaultEnergyReference = 0.02

// EnergyModel is a stateless RMS detector. It has no warm-up cost and is
// safe for concurrent use.
type EnergyModel struct {
	reference float64
}

func NewEnergyModel(reference float64) *EnergyModel {
	if reference <= 0 {
		reference = DefaultEnergyReference
	}
	return &EnergyModel{reference: reference}
}

func (m *EnergyModel) Name() string          { return "energy" }
func (m *EnergyModel) ConcurrencySafe() bool { return true }
func (m *EnergyModel) Reset() error          { return nil }
func (m *EnergyModel) Close() error          { return nil }

func (m *EnergyModel) Infer(pcm []byte, _ int) (float64, error) {
	p := audio.RMS(pcm) / m.reference
	if p > 1 {
		p = 1
	}
	return p, nil
}
