package notation

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPitch = errors.New("invalid pitch")

// Pitch is a MIDI note number. C4 is 60 and A4 is 69.
type Pitch int

var semitones = map[byte]int{'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11}

var sharpNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// ParsePitch reads scientific pitch names: "C4", "F#4", "Bb2", "C#-1".
func ParsePitch(s string) (Pitch, error) {
	src := strings.TrimSpace(s)
	if len(src) < 2 {
		return 0, errors.Wrapf(ErrInvalidPitch, "%q", s)
	}
	base, ok := semitones[src[0]|0x20]
	if !ok {
		return 0, errors.Wrapf(ErrInvalidPitch, "%q: unknown letter", s)
	}
	rest := src[1:]
	switch rest[0] {
	case '#':
		base++
		rest = rest[1:]
	case 'b':
		if len(rest) > 1 {
			base--
			rest = rest[1:]
		}
	}
	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidPitch, "%q: bad octave", s)
	}
	p := Pitch((octave+1)*12 + base)
	if p < 0 || p > 127 {
		return 0, errors.Wrapf(ErrInvalidPitch, "%q out of MIDI range", s)
	}
	return p, nil
}

func (p Pitch) Hz() float64 {
	return 440 * math.Pow(2, float64(p-69)/12)
}

func (p Pitch) String() string {
	return sharpNames[int(p)%12] + strconv.Itoa(int(p)/12-1)
}
