package beatclock

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// RenderBlock is the buffer size Render pulls through Process, in frames.
const RenderBlock = 128

// Render starts the transport if it is stopped and pulls seconds of audio
// through Process, exactly as the audio driver would.
func (s *Session) Render(seconds float64) []float32 {
	s.Start()
	frames := int(float64(s.sampleRate) * seconds)
	out := make([]float32, frames*2)
	for pos := 0; pos < frames; pos += RenderBlock {
		end := min(pos+RenderBlock, frames)
		s.Process(out[2*pos : 2*end])
	}
	return out
}

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// WriteWAV writes interleaved samples as an IEEE float WAV file.
func WriteWAV(w io.Writer, samples []float32, sampleRate, channels int) error {
	dataSize := uint32(len(samples) * 4)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        3,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 4),
		BlockAlign:    uint16(channels * 4),
		BitsPerSample: 32,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return errors.Wrap(err, "write wav header")
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return errors.Wrap(err, "write wav data")
	}
	return nil
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(samples)*4)
	// writes to a bytes.Buffer cannot fail
	_ = WriteWAV(&buf, samples, sampleRate, channels)
	return buf.Bytes()
}
