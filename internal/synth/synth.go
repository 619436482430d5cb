package synth

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viterin/vek/vek32"

	"github.com/cbegin/beatclock-go/internal/notation"
)

const twoPi = math.Pi * 2

var ErrUnknownWave = errors.New("unknown wave")

type Wave int

const (
	Sine Wave = iota
	Square
	Sawtooth
	Triangle
	// Membrane is a sine whose pitch falls from several octaves above the
	// note, like a kick drum.
	Membrane
)

var waveNames = map[Wave]string{
	Sine:     "sine",
	Square:   "square",
	Sawtooth: "sawtooth",
	Triangle: "triangle",
	Membrane: "membrane",
}

func (w Wave) String() string {
	if name, ok := waveNames[w]; ok {
		return name
	}
	return "unknown"
}

func ParseWave(s string) (Wave, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return Sine, nil
	}
	for w, name := range waveNames {
		if name == key {
			return w, nil
		}
	}
	return Sine, errors.Wrapf(ErrUnknownWave, "%q", s)
}

func (w *Wave) UnmarshalText(text []byte) error {
	v, err := ParseWave(string(text))
	if err != nil {
		return err
	}
	*w = v
	return nil
}

func (w Wave) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

// Envelope times are in seconds, Sustain is a level in [0,1].
type Envelope struct {
	Attack  float64 `yaml:"attack"`
	Decay   float64 `yaml:"decay"`
	Sustain float64 `yaml:"sustain"`
	Release float64 `yaml:"release"`
}

type Params struct {
	Voices   int
	Wave     Wave
	Envelope Envelope
	// Volume is in decibels relative to the default gain.
	Volume float64
}

func DefaultParams() Params {
	return Params{
		Voices:   8,
		Wave:     Sine,
		Envelope: Envelope{Attack: 0.005, Decay: 0.1, Sustain: 0.3, Release: 1},
	}
}

// MembraneParams mirrors a typical drum membrane voice.
func MembraneParams() Params {
	return Params{
		Voices:   4,
		Wave:     Membrane,
		Envelope: Envelope{Attack: 0.001, Decay: 0.4, Sustain: 0.01, Release: 1.4},
	}
}

const (
	baseGain        = 0.25
	membraneOctaves = 4
	membraneDecay   = 0.05
)

// Resolver turns a musical duration into seconds at the current tempo.
type Resolver interface {
	Resolve(d notation.Duration) float64
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active      bool
	age         int
	freq        float64
	phase       float64
	env         float64
	state       envState
	releaseAt   int64
	releaseStep float64
	sweep       float64
}

type note struct {
	freq    float64
	start   int64
	release int64
}

type Option func(*Synth)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Synth) {
		if log != nil {
			s.log = log
		}
	}
}

// Synth is a small polyphonic instrument. Notes are queued with their
// absolute start frame and begin exactly on it while Process renders.
type Synth struct {
	sampleRate float64
	params     Params
	resolve    Resolver
	voices     []voice
	pending    []note
	gain       float32
	log        logrus.FieldLogger

	triggered int
	rejected  int
}

func New(sampleRate int, resolve Resolver, params Params, opts ...Option) *Synth {
	if params.Voices <= 0 {
		params.Voices = 1
	}
	s := &Synth{
		sampleRate: float64(sampleRate),
		params:     params,
		resolve:    resolve,
		voices:     make([]voice, params.Voices),
		gain:       float32(baseGain * math.Pow(10, params.Volume/20)),
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "synth")
	return s
}

// TriggerNote queues pitch to sound at transport time at for duration.
// Unparseable pitches are logged and dropped.
func (s *Synth) TriggerNote(pitch string, duration notation.Duration, at float64) {
	p, err := notation.ParsePitch(pitch)
	if err != nil {
		s.rejected++
		s.log.WithError(err).WithField("at", at).Warn("note dropped")
		return
	}
	start := int64(math.Round(at * s.sampleRate))
	length := int64(math.Round(s.resolve.Resolve(duration) * s.sampleRate))
	if length < 1 {
		length = 1
	}
	n := note{freq: p.Hz(), start: start, release: start + length}
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].start > start })
	s.pending = append(s.pending, note{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = n
	s.triggered++
}

// Process overwrites dst, interleaved stereo, with the frames starting at
// the absolute frame startFrame.
func (s *Synth) Process(dst []float32, startFrame int64) {
	clear(dst)
	frames := len(dst) / 2
	for i := 0; i < frames; i++ {
		frame := startFrame + int64(i)
		for len(s.pending) > 0 && s.pending[0].start <= frame {
			s.noteOn(s.pending[0])
			s.pending = s.pending[1:]
		}
		var out float64
		for j := range s.voices {
			v := &s.voices[j]
			if !v.active {
				continue
			}
			if v.state < envRelease && frame >= v.releaseAt {
				s.release(v)
			}
			env := s.advanceEnv(v)
			if !v.active {
				continue
			}
			out += s.renderWave(v) * env
		}
		dst[2*i] = float32(out)
		dst[2*i+1] = float32(out)
	}
	vek32.MulNumber_Inplace(dst, s.gain)
	vek32.MinimumNumber_Inplace(dst, 1)
	vek32.MaximumNumber_Inplace(dst, -1)
}

// Reset silences every voice and drops queued notes.
func (s *Synth) Reset() {
	s.pending = s.pending[:0]
	for i := range s.voices {
		s.voices[i] = voice{}
	}
}

// Release drops queued notes and lets sounding voices fade out.
func (s *Synth) Release() {
	s.pending = s.pending[:0]
	for i := range s.voices {
		if v := &s.voices[i]; v.active && v.state < envRelease {
			s.release(v)
		}
	}
}

func (s *Synth) ActiveVoices() int {
	n := 0
	for i := range s.voices {
		if s.voices[i].active {
			n++
		}
	}
	return n
}

func (s *Synth) Queued() int { return len(s.pending) }

func (s *Synth) Triggered() int { return s.triggered }

func (s *Synth) Rejected() int { return s.rejected }

func (s *Synth) noteOn(n note) {
	v := &s.voices[s.stealVoice()]
	*v = voice{
		active:    true,
		freq:      n.freq,
		state:     envAttack,
		releaseAt: n.release,
	}
	if s.params.Wave == Membrane {
		v.sweep = membraneOctaves
	}
}

func (s *Synth) stealVoice() int {
	for i := range s.voices {
		if !s.voices[i].active {
			return i
		}
	}
	oldestRelease, oldestReleaseAge := -1, -1
	oldest, oldestAge := 0, -1
	for i := range s.voices {
		v := &s.voices[i]
		if v.state == envRelease && v.age > oldestReleaseAge {
			oldestRelease, oldestReleaseAge = i, v.age
		}
		if v.age > oldestAge {
			oldest, oldestAge = i, v.age
		}
	}
	if oldestRelease >= 0 {
		return oldestRelease
	}
	return oldest
}

func (s *Synth) release(v *voice) {
	v.state = envRelease
	if r := s.params.Envelope.Release; r > 0 {
		v.releaseStep = v.env / (r * s.sampleRate)
	} else {
		v.releaseStep = v.env
	}
}

func (s *Synth) advanceEnv(v *voice) float64 {
	e := s.params.Envelope
	v.age++
	switch v.state {
	case envAttack:
		if e.Attack <= 0 {
			v.env = 1
		} else {
			v.env += 1 / (e.Attack * s.sampleRate)
		}
		if v.env >= 1 {
			v.env = 1
			v.state = envDecay
		}
	case envDecay:
		if e.Decay <= 0 {
			v.env = e.Sustain
		} else {
			v.env -= (1 - e.Sustain) / (e.Decay * s.sampleRate)
		}
		if v.env <= e.Sustain {
			v.env = e.Sustain
			v.state = envSustain
		}
	case envSustain:
	case envRelease:
		v.env -= v.releaseStep
		if v.env <= 0.0001 || v.releaseStep <= 0 {
			v.env = 0
			v.state = envOff
			v.active = false
		}
	case envOff:
		v.active = false
		v.env = 0
	}
	return v.env
}

func (s *Synth) renderWave(v *voice) float64 {
	freq := v.freq
	if v.sweep > 0 {
		freq *= math.Pow(2, v.sweep)
		v.sweep -= v.sweep / (membraneDecay * s.sampleRate)
		if v.sweep < 1e-4 {
			v.sweep = 0
		}
	}
	dt := freq / s.sampleRate
	v.phase += dt
	if v.phase >= 1 {
		v.phase -= 1
	}
	switch s.params.Wave {
	case Square:
		out := -1.0
		if v.phase < 0.5 {
			out = 1
		}
		out += polyBLEP(v.phase, dt)
		out -= polyBLEP(math.Mod(v.phase+0.5, 1), dt)
		return out
	case Sawtooth:
		return 2*v.phase - 1 - polyBLEP(v.phase, dt)
	case Triangle:
		return 2*math.Abs(2*v.phase-1) - 1
	default:
		return math.Sin(twoPi * v.phase)
	}
}

// polyBLEP smooths the step at a waveform discontinuity.
func polyBLEP(t, dt float64) float64 {
	if t < dt {
		t /= dt
		return t + t - t*t - 1
	}
	if t > 1-dt {
		t = (t - 1) / dt
		return t*t + t + t + 1
	}
	return 0
}
