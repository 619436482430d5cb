package sampler

import (
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/hajimehoshi/ebiten/v2/audio/wav"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/viterin/vek/vek32"
)

var ErrEmptySample = errors.New("sample has no frames")

type slice struct {
	start  int64
	offset int64
	length int64
}

type Option func(*Sampler)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Sampler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithGain scales the rendered output. The default is unity.
func WithGain(gain float32) Option {
	return func(s *Sampler) {
		if gain >= 0 {
			s.gain = gain
		}
	}
}

// Sampler plays slices of one stereo buffer. Every PlaySlice adds a voice,
// so overlapping slices sum.
type Sampler struct {
	sampleRate float64
	data       []float32
	frames     int64
	voices     []slice
	gain       float32
	log        logrus.FieldLogger
	played     int
}

// New wraps interleaved stereo data recorded at sampleRate.
func New(sampleRate int, data []float32, opts ...Option) (*Sampler, error) {
	if len(data) < 2 {
		return nil, ErrEmptySample
	}
	s := &Sampler{
		sampleRate: float64(sampleRate),
		data:       data[:len(data)&^1],
		frames:     int64(len(data) / 2),
		gain:       1,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("component", "sampler")
	return s, nil
}

// PlaySlice queues duration seconds of the sample, read from offset, to
// start at transport time at. Slices reaching past the buffer are cut.
func (s *Sampler) PlaySlice(at, offset, duration float64) {
	v := slice{
		start:  int64(math.Round(at * s.sampleRate)),
		offset: int64(math.Round(offset * s.sampleRate)),
		length: int64(math.Round(duration * s.sampleRate)),
	}
	if v.offset >= s.frames || v.length <= 0 {
		s.log.WithFields(logrus.Fields{"at": at, "offset": offset}).Debug("slice outside sample")
		return
	}
	v.length = min(v.length, s.frames-v.offset)
	s.voices = append(s.voices, v)
	s.played++
}

func (s *Sampler) StopAll() {
	s.voices = s.voices[:0]
}

// Process overwrites dst, interleaved stereo, with the frames starting at
// startFrame.
func (s *Sampler) Process(dst []float32, startFrame int64) {
	clear(dst)
	end := startFrame + int64(len(dst)/2)
	live := s.voices[:0]
	for _, v := range s.voices {
		from := max(v.start, startFrame)
		to := min(v.start+v.length, end)
		if from < to {
			src := v.offset + from - v.start
			n := to - from
			vek32.Add_Inplace(dst[2*(from-startFrame):2*(to-startFrame)], s.data[2*src:2*(src+n)])
		}
		if v.start+v.length > end {
			live = append(live, v)
		}
	}
	s.voices = live
	if s.gain != 1 {
		vek32.MulNumber_Inplace(dst, s.gain)
	}
}

// Voices counts queued and sounding slices.
func (s *Sampler) Voices() int { return len(s.voices) }

func (s *Sampler) Played() int { return s.played }

// Seconds is the length of the loaded sample.
func (s *Sampler) Seconds() float64 { return float64(s.frames) / s.sampleRate }

// DecodeWAV reads a WAV stream and resamples it to sampleRate, returning
// interleaved stereo frames.
func DecodeWAV(r io.Reader, sampleRate int) ([]float32, error) {
	stream, err := wav.DecodeWithSampleRate(sampleRate, r)
	if err != nil {
		return nil, errors.Wrap(err, "decode wav")
	}
	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, errors.Wrap(err, "read wav")
	}
	// 16-bit little endian stereo
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}
	return out, nil
}

func LoadFile(path string, sampleRate int, opts ...Option) (*Sampler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sample %s", path)
	}
	defer f.Close()
	data, err := DecodeWAV(f, sampleRate)
	if err != nil {
		return nil, errors.Wrapf(err, "sample %s", path)
	}
	return New(sampleRate, data, opts...)
}
