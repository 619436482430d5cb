package beatclock

import (
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viterin/vek/vek32"

	"github.com/cbegin/beatclock-go/internal/arrangement"
	"github.com/cbegin/beatclock-go/internal/effects"
	intaudio "github.com/cbegin/beatclock-go/internal/audio"
	"github.com/cbegin/beatclock-go/internal/midirec"
	"github.com/cbegin/beatclock-go/internal/notation"
	"github.com/cbegin/beatclock-go/internal/pattern"
	"github.com/cbegin/beatclock-go/internal/repeat"
	"github.com/cbegin/beatclock-go/internal/sampler"
	"github.com/cbegin/beatclock-go/internal/synth"
	"github.com/cbegin/beatclock-go/internal/transport"
)

var (
	ErrNoSample       = errors.New("arrangement has sample parts but no sample")
	ErrNoMIDIRecorder = errors.New("session was created without a MIDI recorder")
)

// Instrument sounds a note at an exact transport time. at is the scheduled
// time handed to the producer callback, never the wall clock.
type Instrument interface {
	TriggerNote(pitch string, duration notation.Duration, at float64)
}

// renderer is an audio source the session mixes.
type renderer interface {
	Process(dst []float32, startFrame int64)
}

// source is a renderer plus its effect send levels.
type source struct {
	r      renderer
	reverb float32
	delay  float32
}

type runner interface {
	Start(at notation.Position)
	Stop()
	Fired() int
}

type SessionOption func(*sessionConfig)

type sessionConfig struct {
	sampleRate int
	log        logrus.FieldLogger
	midi       bool
	velocity   uint8
	sample     []float32
	rng        *rand.Rand
	sampleTap  func([]float32)
	bufferSize time.Duration
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		sampleRate: transport.DefaultSampleRate,
		log:        logrus.StandardLogger(),
	}
}

func WithSampleRate(rate int) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.sampleRate = rate
	}
}

func WithLogger(log logrus.FieldLogger) SessionOption {
	return func(cfg *sessionConfig) {
		if log != nil {
			cfg.log = log
		}
	}
}

// WithMIDIRecorder records every note part alongside the synths so the
// performance can be exported with WriteMIDI.
func WithMIDIRecorder() SessionOption {
	return func(cfg *sessionConfig) {
		cfg.midi = true
	}
}

// WithMIDIVelocity records with a fixed velocity instead of 100. It
// implies WithMIDIRecorder.
func WithMIDIVelocity(v uint8) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.midi = true
		cfg.velocity = v
	}
}

// WithSample supplies interleaved stereo frames at the session rate for
// sample parts, instead of loading the arrangement's sample file.
func WithSample(data []float32) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.sample = data
	}
}

// WithSeed makes random traversals repeatable.
func WithSeed(seed uint64) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithSampleTap installs a callback invoked with each mixed stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.sampleTap = tap
	}
}

func WithBufferSize(d time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.bufferSize = d
	}
}

type part struct {
	name  string
	kind  arrangement.Kind
	start notation.Position
	run   runner
}

// Session wires an arrangement to a transport, one instrument per part and
// an audio output. Its methods are safe for concurrent use: the UI and the
// audio driver share one lock.
type Session struct {
	mu         sync.Mutex
	clock      *transport.Clock
	arr        *arrangement.Arrangement
	parts      []part
	sources    []source
	scratch    []float32
	reverb     *effects.Bus
	delayBus   *effects.Bus
	delay      *effects.Delay
	volume     float32
	sampleRate int
	sampleTap  func([]float32)
	recorder   *midirec.Recorder
	log        logrus.FieldLogger

	audioMu    sync.Mutex
	audio      *intaudio.Player
	bufferSize time.Duration
}

// NewSession builds a stopped session for arr, or for the built-in demo
// when arr is nil.
func NewSession(arr *arrangement.Arrangement, opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	if arr == nil {
		arr = arrangement.Default()
	}
	if err := arr.Validate(); err != nil {
		return nil, err
	}
	log := cfg.log.WithField("component", "session")
	clock, err := transport.New(arr.Tempo(),
		transport.WithSampleRate(cfg.sampleRate),
		transport.WithLogger(cfg.log),
	)
	if err != nil {
		return nil, err
	}
	s := &Session{
		clock:      clock,
		arr:        arr,
		volume:     1,
		sampleRate: cfg.sampleRate,
		sampleTap:  cfg.sampleTap,
		log:        log,
		bufferSize: cfg.bufferSize,
	}
	if cfg.midi {
		recOpts := []midirec.Option{midirec.WithLogger(cfg.log)}
		if cfg.velocity > 0 {
			recOpts = append(recOpts, midirec.WithVelocity(cfg.velocity))
		}
		s.recorder = midirec.New(clock, recOpts...)
		clock.Attach(s.recorder.NextTake)
	}
	s.buildEffects()

	var player *sampler.Sampler
	if arr.HasSampleParts() {
		player, err = s.loadSampler(cfg)
		if err != nil {
			return nil, err
		}
		s.sources = append(s.sources, source{r: player})
	}

	for _, p := range arr.Parts {
		partLog := cfg.log.WithField("part", p.Name)
		if p.Kind == arrangement.KindSample {
			rep := repeat.New(clock, player, repeat.WithLogger(partLog))
			s.parts = append(s.parts, part{name: p.Name, kind: p.Kind, start: p.Start, run: &sampleRunner{
				rep:  rep,
				plan: repeat.Plan{Offset: p.Offset, Duration: p.Duration, Interval: p.Interval, Span: p.Span},
				log:  partLog,
			}})
			continue
		}
		syn := synth.New(cfg.sampleRate, clock, p.Voice.Params(), synth.WithLogger(partLog))
		clock.Attach(syn.Release)
		s.sources = append(s.sources, source{r: syn, reverb: float32(p.Sends.Reverb), delay: float32(p.Sends.Delay)})
		var inst Instrument = syn
		if s.recorder != nil {
			inst = fanout{syn, s.recorder.Channel(uint8(p.Channel), p.Name)}
		}
		run, err := newNoteRunner(clock, p, inst, cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "part %q", p.Name)
		}
		s.parts = append(s.parts, part{name: p.Name, kind: p.Kind, start: p.Start, run: run})
	}
	log.WithFields(logrus.Fields{"parts": len(s.parts), "bpm": arr.BPM, "sampleRate": cfg.sampleRate}).Debug("session ready")
	return s, nil
}

// buildEffects creates the shared returns the arrangement asks for. Both
// return fully wet so parts keep their dry signal and add a send.
func (s *Session) buildEffects() {
	if r := s.arr.Effects.Reverb; r != nil {
		s.reverb = effects.NewBus(effects.NewReverb(s.sampleRate, r.Decay, r.PreDelay, 1))
	}
	if d := s.arr.Effects.Delay; d != nil {
		var cross float32
		if d.PingPong {
			cross = 1
		}
		s.delay = effects.NewDelay(s.sampleRate, s.clock.Resolve(d.Time), float32(d.Feedback), cross, 1)
		s.delayBus = effects.NewBus(s.delay)
	}
}

func (s *Session) loadSampler(cfg sessionConfig) (*sampler.Sampler, error) {
	opts := []sampler.Option{sampler.WithLogger(cfg.log)}
	if cfg.sample != nil {
		return sampler.New(cfg.sampleRate, cfg.sample, opts...)
	}
	if s.arr.Sample == "" {
		return nil, ErrNoSample
	}
	return sampler.LoadFile(s.arr.Sample, cfg.sampleRate, opts...)
}

func newNoteRunner(clock *transport.Clock, p arrangement.Part, inst Instrument, cfg sessionConfig) (runner, error) {
	note := p.NoteLength()
	opts := []pattern.Option{
		pattern.WithName(p.Name),
		pattern.WithIterations(p.Iterations),
		pattern.WithLogger(cfg.log),
	}
	if cfg.rng != nil {
		opts = append(opts, pattern.WithRand(cfg.rng))
	}
	trigger := func(at float64, pitch string) {
		inst.TriggerNote(pitch, note, at)
	}
	switch p.Kind {
	case arrangement.KindSequence:
		return pattern.NewSequence(clock, p.Events, p.Interval, trigger, opts...)
	case arrangement.KindPattern:
		return pattern.NewPattern(clock, p.Events, p.Traversal, p.Interval, trigger, opts...)
	case arrangement.KindLoop:
		pitch := p.Events[0]
		return pattern.NewLoop(clock, p.Interval, func(at float64) { trigger(at, pitch) }, opts...)
	}
	return nil, errors.Errorf("kind %q does not play notes", p.Kind)
}

// Toggle is the play/stop control. Starting runs the transport and starts
// every part at its anchor; stopping rewinds everything.
func (s *Session) Toggle() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock.State() == transport.Running {
		s.clock.Stop()
		return s.clock.State()
	}
	s.start()
	return s.clock.State()
}

// Start is Toggle when stopped and a no-op otherwise.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock.State() != transport.Running {
		s.start()
	}
}

func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.Stop()
}

func (s *Session) start() {
	s.clock.Start()
	for _, p := range s.parts {
		p.run.Start(p.start)
	}
}

// State is "running" or "stopped".
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.State().String()
}

// SetBPM changes the tempo. It fails with transport.ErrRunning while the
// transport runs. A tempo-synced delay is retimed.
func (s *Session) SetBPM(bpm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.clock.SetBPM(bpm); err != nil {
		return err
	}
	if s.delay != nil {
		s.delay.SetTime(s.clock.Resolve(s.arr.Effects.Delay.Time))
	}
	return nil
}

// SetMasterVolume sets a runtime volume scalar. 1.0 is default.
func (s *Session) SetMasterVolume(volume float64) {
	if volume < 0 || math.IsNaN(volume) {
		volume = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = float32(volume)
}

func (s *Session) MasterVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.volume)
}

func (s *Session) SampleRate() int { return s.sampleRate }

// Process is the audio callback: it advances the transport over the
// buffer, firing everything due inside it, then mixes every instrument and
// the effect returns.
func (s *Session) Process(dst []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := len(dst) / 2
	start := s.clock.Frame()
	s.clock.Advance(frames)
	clear(dst)
	if cap(s.scratch) < len(dst) {
		s.scratch = make([]float32, len(dst))
	}
	scratch := s.scratch[:len(dst)]
	for _, src := range s.sources {
		src.r.Process(scratch, start)
		vek32.Add_Inplace(dst, scratch)
		if s.reverb != nil {
			s.reverb.Send(scratch, src.reverb)
		}
		if s.delayBus != nil {
			s.delayBus.Send(scratch, src.delay)
		}
	}
	if s.reverb != nil {
		s.reverb.Return(dst)
	}
	if s.delayBus != nil {
		s.delayBus.Return(dst)
	}
	if s.volume != 1 {
		vek32.MulNumber_Inplace(dst, s.volume)
	}
	vek32.MinimumNumber_Inplace(dst, 1)
	vek32.MaximumNumber_Inplace(dst, -1)
	if s.sampleTap != nil {
		s.sampleTap(dst)
	}
}

// Play opens the realtime output. Sound is produced only while the
// transport runs; use Toggle to start it.
func (s *Session) Play() error {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.audio != nil {
		s.audio.Play()
		return nil
	}
	backend, err := intaudio.NewPlayer(s.sampleRate, s, intaudio.WithBufferSize(s.bufferSize))
	if err != nil {
		return err
	}
	s.audio = backend
	s.audio.Play()
	return nil
}

// Close stops the transport and releases the audio output.
func (s *Session) Close() error {
	s.audioMu.Lock()
	a := s.audio
	s.audio = nil
	s.audioMu.Unlock()
	s.Stop()
	if a == nil {
		return nil
	}
	return a.Close()
}

// PlaybackPosition is what the listener hears right now, in frames since
// the output opened. Returns 0 if not playing.
func (s *Session) PlaybackPosition() int64 {
	s.audioMu.Lock()
	a := s.audio
	s.audioMu.Unlock()
	if a == nil {
		return 0
	}
	return int64(a.Position().Seconds() * float64(s.sampleRate))
}

// WriteMIDI exports everything recorded so far as a Standard MIDI File.
// Every start of the transport after the first is appended as a new take.
func (s *Session) WriteMIDI(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return ErrNoMIDIRecorder
	}
	_, err := s.recorder.WriteTo(w)
	return err
}

// WriteMIDIFile is WriteMIDI to a new file at path.
func (s *Session) WriteMIDIFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return ErrNoMIDIRecorder
	}
	return s.recorder.WriteFile(path)
}

type PartStats struct {
	Name  string
	Kind  string
	Fired int
}

type Stats struct {
	State      string
	Position   float64
	BPM        float64
	Meter      notation.Meter
	Dispatched uint64
	Failures   uint64
	Drift      time.Duration
	Parts      []PartStats
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		State:      s.clock.State().String(),
		Position:   s.clock.Now(),
		BPM:        s.clock.Tempo().BPM,
		Meter:      s.clock.Tempo().Meter,
		Dispatched: s.clock.Dispatched(),
		Failures:   s.clock.Failures(),
		Drift:      s.clock.Drift(),
	}
	for _, p := range s.parts {
		st.Parts = append(st.Parts, PartStats{Name: p.name, Kind: string(p.kind), Fired: p.run.Fired()})
	}
	return st
}

// Bar returns the 1-based bar and beat of the transport position.
func (st Stats) Bar() (bar, beat int) {
	if st.BPM <= 0 || st.Meter.BeatsPerBar <= 0 {
		return 1, 1
	}
	beats := int(st.Position * st.BPM / 60)
	return beats/st.Meter.BeatsPerBar + 1, beats%st.Meter.BeatsPerBar + 1
}

type fanout []Instrument

func (f fanout) TriggerNote(pitch string, duration notation.Duration, at float64) {
	for _, inst := range f {
		inst.TriggerNote(pitch, duration, at)
	}
}

type sampleRunner struct {
	rep  *repeat.Repeater
	plan repeat.Plan
	log  logrus.FieldLogger
}

func (r *sampleRunner) Start(at notation.Position) {
	plan := r.plan
	plan.Anchor = at
	if _, err := r.rep.Play(plan); err != nil {
		r.log.WithError(err).Error("sample part not started")
	}
}

func (r *sampleRunner) Stop() { r.rep.Stop() }

func (r *sampleRunner) Fired() int { return r.rep.Fired() }
