package notation

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidNotation = errors.New("invalid notation")
	ErrInvalidTempo    = errors.New("invalid tempo")
)

type Unit int

const (
	UnitSubdivision Unit = iota + 1
	UnitMeasure
	UnitBarsBeats
)

func (u Unit) String() string {
	switch u {
	case UnitSubdivision:
		return "subdivision"
	case UnitMeasure:
		return "measure"
	case UnitBarsBeats:
		return "bars:beats"
	default:
		return "unknown"
	}
}

// Duration is a parsed musical time span. It has no length in seconds until
// resolved against a Tempo.
type Duration struct {
	Unit Unit
	// Count is the note divisor for subdivisions (4 for "4n") and the number
	// of measures for UnitMeasure.
	Count   float64
	Dots    int
	Triplet bool

	Bars       float64
	Beats      float64
	Sixteenths float64
}

// Parse reads subdivision ("4n", "8n.", "8t"), measure ("2m") and
// bars:beats:sixteenths ("1:2:0") notation.
func Parse(s string) (Duration, error) {
	src := strings.ToLower(strings.TrimSpace(s))
	if src == "" {
		return Duration{}, errors.Wrap(ErrInvalidNotation, "empty notation")
	}
	if strings.Contains(src, ":") {
		return parseBarsBeats(src, s)
	}
	i := 0
	for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
		i++
	}
	if i == 0 || i == len(src) {
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q", s)
	}
	count, err := strconv.ParseFloat(src[:i], 64)
	if err != nil || math.IsInf(count, 0) || math.IsNaN(count) {
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: bad count", s)
	}
	if count <= 0 {
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: count must be positive", s)
	}
	suffix := src[i:]
	switch suffix[0] {
	case 'm':
		if len(suffix) != 1 {
			return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: trailing %q", s, suffix[1:])
		}
		return Duration{Unit: UnitMeasure, Count: count}, nil
	case 'n', 't':
		if count != math.Trunc(count) {
			return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: subdivision must be a whole number", s)
		}
		d := Duration{Unit: UnitSubdivision, Count: count, Triplet: suffix[0] == 't'}
		for _, c := range suffix[1:] {
			if c != '.' || d.Triplet {
				return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: trailing %q", s, suffix[1:])
			}
			d.Dots++
		}
		return d, nil
	default:
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: unknown unit %q", s, suffix)
	}
}

func parseBarsBeats(src, orig string) (Duration, error) {
	parts := strings.Split(src, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: expected bars:beats[:sixteenths]", orig)
	}
	vals := [3]float64{}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: bad field %q", orig, p)
		}
		vals[i] = v
	}
	if vals[0]+vals[1]+vals[2] <= 0 {
		return Duration{}, errors.Wrapf(ErrInvalidNotation, "%q: span must be positive", orig)
	}
	return Duration{Unit: UnitBarsBeats, Bars: vals[0], Beats: vals[1], Sixteenths: vals[2]}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Seconds resolves d against t. The tempo is assumed valid.
func (d Duration) Seconds(t Tempo) float64 {
	beat := t.BeatSeconds()
	switch d.Unit {
	case UnitSubdivision:
		span := beat * float64(t.Meter.BeatUnit) / d.Count
		if d.Triplet {
			return span * 2 / 3
		}
		// each dot adds half of the previous addition
		return span * (2 - math.Pow(2, -float64(d.Dots)))
	case UnitMeasure:
		return d.Count * float64(t.Meter.BeatsPerBar) * beat
	case UnitBarsBeats:
		return d.Bars*float64(t.Meter.BeatsPerBar)*beat +
			d.Beats*beat +
			d.Sixteenths*beat*float64(t.Meter.BeatUnit)/16
	default:
		return 0
	}
}

func (d Duration) String() string {
	switch d.Unit {
	case UnitSubdivision:
		if d.Triplet {
			return formatNumber(d.Count) + "t"
		}
		return formatNumber(d.Count) + "n" + strings.Repeat(".", d.Dots)
	case UnitMeasure:
		return formatNumber(d.Count) + "m"
	case UnitBarsBeats:
		return formatNumber(d.Bars) + ":" + formatNumber(d.Beats) + ":" + formatNumber(d.Sixteenths)
	default:
		return "?"
	}
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	if d.Unit == 0 {
		return nil, errors.Wrap(ErrInvalidNotation, "empty duration")
	}
	return []byte(d.String()), nil
}

// Position is a point on the transport timeline: the origin, or an offset
// from it expressed as a Duration.
type Position struct {
	offset Duration
	set    bool
}

var Origin = Position{}

func At(d Duration) Position { return Position{offset: d, set: true} }

// ParsePosition accepts "0" or an all-zero bars:beats such as "0:0:0" for
// the origin, and any Parse notation otherwise.
func ParsePosition(s string) (Position, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "0" || trimmed == "" || zeroBarsBeats(trimmed) {
		return Origin, nil
	}
	d, err := Parse(trimmed)
	if err != nil {
		return Position{}, err
	}
	return At(d), nil
}

func zeroBarsBeats(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v != 0 {
			return false
		}
	}
	return true
}

func MustParsePosition(s string) Position {
	p, err := ParsePosition(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Position) IsOrigin() bool { return !p.set }

func (p Position) Seconds(t Tempo) float64 {
	if !p.set {
		return 0
	}
	return p.offset.Seconds(t)
}

func (p Position) String() string {
	if !p.set {
		return "0"
	}
	return p.offset.String()
}

func (p *Position) UnmarshalText(text []byte) error {
	v, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
