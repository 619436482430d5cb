package notation

import (
	"math"

	"github.com/pkg/errors"
)

type Meter struct {
	BeatsPerBar int `yaml:"beatsPerBar"`
	// BeatUnit is the note value of one beat: 4 for quarter-note beats.
	BeatUnit int `yaml:"beatUnit"`
}

func CommonTime() Meter { return Meter{BeatsPerBar: 4, BeatUnit: 4} }

func (m Meter) Validate() error {
	if m.BeatsPerBar <= 0 {
		return errors.Wrapf(ErrInvalidTempo, "beats per bar %d", m.BeatsPerBar)
	}
	if m.BeatUnit <= 0 || m.BeatUnit > 64 || m.BeatUnit&(m.BeatUnit-1) != 0 {
		return errors.Wrapf(ErrInvalidTempo, "beat unit %d", m.BeatUnit)
	}
	return nil
}

type Tempo struct {
	BPM   float64
	Meter Meter
}

func (t Tempo) Validate() error {
	if t.BPM <= 0 || math.IsNaN(t.BPM) || math.IsInf(t.BPM, 0) {
		return errors.Wrapf(ErrInvalidTempo, "bpm %v", t.BPM)
	}
	return t.Meter.Validate()
}

// BeatSeconds is the real-time length of one beat.
func (t Tempo) BeatSeconds() float64 {
	return 60 / t.BPM
}
