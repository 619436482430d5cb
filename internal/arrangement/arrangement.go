package arrangement

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/cbegin/beatclock-go/internal/notation"
	"github.com/cbegin/beatclock-go/internal/pattern"
	"github.com/cbegin/beatclock-go/internal/synth"
)

var ErrInvalidArrangement = errors.New("invalid arrangement")

// invalidError reports an arrangement problem caused by another error. It
// matches ErrInvalidArrangement and still unwraps to the cause.
type invalidError struct {
	context string
	cause   error
}

func invalid(cause error, format string, args ...any) error {
	return errors.WithStack(&invalidError{context: fmt.Sprintf(format, args...), cause: cause})
}

func (e *invalidError) Error() string {
	if e.context == "" {
		return ErrInvalidArrangement.Error() + ": " + e.cause.Error()
	}
	return ErrInvalidArrangement.Error() + ": " + e.context + ": " + e.cause.Error()
}

func (e *invalidError) Is(target error) bool { return target == ErrInvalidArrangement }

func (e *invalidError) Unwrap() error { return e.cause }

//go:embed default.yaml
var defaultYAML []byte

type Kind string

const (
	KindSequence Kind = "sequence"
	KindPattern  Kind = "pattern"
	KindLoop     Kind = "loop"
	KindSample   Kind = "sample"
)

// Voice configures the synth that plays a part. Unset fields fall back to
// the defaults for the wave.
type Voice struct {
	Wave     synth.Wave      `yaml:"wave"`
	Voices   int             `yaml:"voices,omitempty"`
	Volume   float64         `yaml:"volume,omitempty"`
	Envelope *synth.Envelope `yaml:"envelope,omitempty"`
}

func (v Voice) Params() synth.Params {
	p := synth.DefaultParams()
	if v.Wave == synth.Membrane {
		p = synth.MembraneParams()
	}
	p.Wave = v.Wave
	if v.Voices > 0 {
		p.Voices = v.Voices
	}
	p.Volume = v.Volume
	if v.Envelope != nil {
		p.Envelope = *v.Envelope
	}
	return p
}

// Reverb is the shared reverb return. Decay is the tail length in seconds.
type Reverb struct {
	Decay    float64 `yaml:"decay"`
	PreDelay float64 `yaml:"preDelay,omitempty"`
}

// Delay is the shared feedback delay return, timed in note values so it
// follows the tempo.
type Delay struct {
	Time     notation.Duration `yaml:"time"`
	Feedback float64           `yaml:"feedback,omitempty"`
	PingPong bool              `yaml:"pingPong,omitempty"`
}

type Effects struct {
	Reverb *Reverb `yaml:"reverb,omitempty"`
	Delay  *Delay  `yaml:"delay,omitempty"`
}

func (e Effects) validate() error {
	if r := e.Reverb; r != nil {
		if !(r.Decay > 0) || !(r.PreDelay >= 0) || math.IsInf(r.Decay, 0) {
			return errors.Errorf("reverb decay %v pre-delay %v", r.Decay, r.PreDelay)
		}
	}
	if d := e.Delay; d != nil {
		if d.Time.Unit == 0 {
			return errors.New("delay time is required")
		}
		if !(d.Feedback >= 0 && d.Feedback < 1) {
			return errors.Errorf("delay feedback %v", d.Feedback)
		}
	}
	return nil
}

// Sends are the levels, 0 to 1, a part feeds into each effect return.
type Sends struct {
	Reverb float64 `yaml:"reverb,omitempty"`
	Delay  float64 `yaml:"delay,omitempty"`
}

type Part struct {
	Name       string            `yaml:"name"`
	Kind       Kind              `yaml:"kind"`
	Events     []string          `yaml:"events,omitempty"`
	Interval   notation.Duration `yaml:"interval"`
	Note       notation.Duration `yaml:"note,omitempty"`
	Start      notation.Position `yaml:"start"`
	Traversal  pattern.Traversal `yaml:"traversal,omitempty"`
	Iterations int               `yaml:"iterations,omitempty"`
	Voice      Voice             `yaml:"voice,omitempty"`
	Channel    int               `yaml:"channel"`
	Sends      Sends             `yaml:"sends,omitempty"`

	// sample parts
	Offset   float64           `yaml:"offset,omitempty"`
	Duration float64           `yaml:"duration,omitempty"`
	Span     notation.Duration `yaml:"span,omitempty"`
}

// NoteLength is how long each triggered note sounds. It defaults to the
// part's interval.
func (p Part) NoteLength() notation.Duration {
	if p.Note.Unit == 0 {
		return p.Interval
	}
	return p.Note
}

type Arrangement struct {
	BPM   float64        `yaml:"bpm"`
	Meter notation.Meter `yaml:"meter"`
	// Sample is a WAV file used by sample parts, relative to the working
	// directory.
	Sample  string  `yaml:"sample,omitempty"`
	Effects Effects `yaml:"effects,omitempty"`
	Parts   []Part  `yaml:"parts"`
}

func (a *Arrangement) Tempo() notation.Tempo {
	return notation.Tempo{BPM: a.BPM, Meter: a.Meter}
}

// HasSampleParts reports whether any part needs a loaded sample.
func (a *Arrangement) HasSampleParts() bool {
	for _, p := range a.Parts {
		if p.Kind == KindSample {
			return true
		}
	}
	return false
}

// Validate checks the whole document and reports the first problem.
func (a *Arrangement) Validate() error {
	if err := a.Tempo().Validate(); err != nil {
		return invalid(err, "")
	}
	if len(a.Parts) == 0 {
		return errors.Wrap(ErrInvalidArrangement, "no parts")
	}
	if err := a.Effects.validate(); err != nil {
		return invalid(err, "effects")
	}
	seen := map[string]bool{}
	for i, p := range a.Parts {
		if p.Name == "" {
			return errors.Wrapf(ErrInvalidArrangement, "part %d has no name", i)
		}
		if seen[p.Name] {
			return errors.Wrapf(ErrInvalidArrangement, "duplicate part %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return invalid(err, "part %q", p.Name)
		}
		if err := p.Sends.validate(a.Effects); err != nil {
			return invalid(err, "part %q", p.Name)
		}
		if p.Kind == KindSample && p.Sends != (Sends{}) {
			return errors.Wrapf(ErrInvalidArrangement, "part %q: sample parts share one output and take no sends", p.Name)
		}
	}
	return nil
}

func (s Sends) validate(fx Effects) error {
	for _, send := range []struct {
		name  string
		level float64
		bus   bool
	}{
		{"reverb", s.Reverb, fx.Reverb != nil},
		{"delay", s.Delay, fx.Delay != nil},
	} {
		if !(send.level >= 0 && send.level <= 1) {
			return errors.Errorf("%s send %v", send.name, send.level)
		}
		if send.level > 0 && !send.bus {
			return errors.Errorf("%s send without a %s effect", send.name, send.name)
		}
	}
	return nil
}

func (p Part) validate() error {
	if p.Interval.Unit == 0 {
		return errors.New("interval is required")
	}
	if p.Iterations < 0 {
		return errors.Errorf("iterations %d", p.Iterations)
	}
	if p.Channel < 0 || p.Channel > 15 {
		return errors.Errorf("channel %d", p.Channel)
	}
	switch p.Kind {
	case KindSequence, KindPattern, KindLoop:
		if len(p.Events) == 0 {
			return errors.New("no events")
		}
		for _, ev := range p.Events {
			if _, err := notation.ParsePitch(ev); err != nil {
				return err
			}
		}
		if p.Kind != KindPattern && p.Traversal != pattern.Forward {
			return errors.Errorf("traversal %s on a %s", p.Traversal, p.Kind)
		}
	case KindSample:
		if p.Span.Unit == 0 {
			return errors.New("span is required")
		}
		if p.Offset < 0 || p.Duration <= 0 || math.IsNaN(p.Offset) || math.IsNaN(p.Duration) {
			return errors.Errorf("slice offset %v duration %v", p.Offset, p.Duration)
		}
	default:
		return errors.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

// Load decodes and validates an arrangement. A missing meter means 4/4.
func Load(r io.Reader) (*Arrangement, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var a Arrangement
	if err := dec.Decode(&a); err != nil {
		return nil, invalid(err, "decode")
	}
	if a.Meter == (notation.Meter{}) {
		a.Meter = notation.CommonTime()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func LoadFile(path string) (*Arrangement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open arrangement %s", path)
	}
	defer f.Close()
	a, err := Load(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return a, nil
}

// Default is the built-in chillwave demo.
func Default() *Arrangement {
	a, err := Load(bytes.NewReader(defaultYAML))
	if err != nil {
		panic(err)
	}
	return a
}

// Encode writes the arrangement back out as YAML.
func (a *Arrangement) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(a); err != nil {
		return errors.Wrap(err, "encode arrangement")
	}
	return enc.Close()
}
