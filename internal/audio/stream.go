package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/pkg/errors"
)

// SampleSource fills dst with interleaved stereo frames. It is called from
// the audio driver's goroutine.
type SampleSource interface {
	Process(dst []float32)
}

// StreamReader adapts a SampleSource to the 32-bit float little endian
// stereo stream the audio context pulls from.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
	frames atomic.Int64
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i, s := range r.buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
	}
	r.frames.Add(int64(frames))
	return frames * 8, nil
}

// Frames is the number of frames handed to the driver so far.
func (r *StreamReader) Frames() int64 { return r.frames.Load() }

func (r *StreamReader) Close() error { return nil }

type Option func(*config)

type config struct {
	bufferSize time.Duration
}

// WithBufferSize sets the driver buffer, trading latency for safety
// against underruns.
func WithBufferSize(d time.Duration) Option {
	return func(cfg *config) {
		cfg.bufferSize = d
	}
}

type Player struct {
	player *ebitaudio.Player
	reader *StreamReader
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, errors.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

// NewPlayer opens a stream on the process-wide audio context. The context
// can only ever run at one sample rate.
func NewPlayer(sampleRate int, source SampleSource, opts ...Option) (*Player, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, errors.Wrap(err, "open audio stream")
	}
	if cfg.bufferSize > 0 {
		pl.SetBufferSize(cfg.bufferSize)
	}
	return &Player{
		player: pl,
		reader: reader,
	}, nil
}

func (p *Player) Play() { p.player.Play() }

func (p *Player) Pause() { p.player.Pause() }

func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position is what the listener hears right now, behind Frames by the
// driver's buffer.
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Frames() int64 { return p.reader.Frames() }

func (p *Player) Close() error {
	p.player.Pause()
	if err := p.player.Close(); err != nil {
		return errors.Wrap(err, "close audio stream")
	}
	return p.reader.Close()
}
