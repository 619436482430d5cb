package midirec

import (
	"io"
	"math"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/beatclock-go/internal/notation"
)

// TicksPerQuarter is the resolution of exported files.
const TicksPerQuarter = 960

var ErrNoNotes = errors.New("nothing recorded")

// Timebase is what the recorder needs from the transport.
type Timebase interface {
	Resolve(d notation.Duration) float64
	Tempo() notation.Tempo
}

// note positions are in quarter notes from the start of the file.
type note struct {
	channel uint8
	key     uint8
	start   float64
	end     float64
}

type Option func(*Recorder)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Recorder) {
		if log != nil {
			r.log = log
		}
	}
}

func WithVelocity(v uint8) Option {
	return func(r *Recorder) {
		r.velocity = min(v, 127)
	}
}

// Recorder captures note triggers from any number of channels and writes
// them out as a Standard MIDI File. Each transport run is a take; NextTake
// moves later takes to the bar after the previous one ends, so restarting
// the transport appends instead of overlapping.
type Recorder struct {
	time     Timebase
	velocity uint8
	notes    []note
	names    map[uint8]string
	log      logrus.FieldLogger
	dropped  int
	offset   float64
	takes    int
}

func New(time Timebase, opts ...Option) *Recorder {
	r := &Recorder{
		time:     time,
		velocity: 100,
		names:    map[uint8]string{},
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "midirec")
	return r
}

// Channel returns an instrument that records onto MIDI channel ch (0-15).
func (r *Recorder) Channel(ch uint8, name string) *Channel {
	ch &= 0x0f
	if _, ok := r.names[ch]; !ok || name != "" {
		r.names[ch] = name
	}
	return &Channel{rec: r, ch: ch}
}

func (r *Recorder) Len() int { return len(r.notes) }

func (r *Recorder) Dropped() int { return r.dropped }

// Takes is the number of takes holding notes.
func (r *Recorder) Takes() int {
	if r.takeEnd() > r.offset {
		return r.takes + 1
	}
	return r.takes
}

// NextTake starts a new take at the first bar line after everything
// recorded so far. It is a no-op when the current take is empty.
func (r *Recorder) NextTake() {
	end := r.takeEnd()
	if end <= r.offset {
		return
	}
	m := r.time.Tempo().Meter
	bar := float64(m.BeatsPerBar) * 4 / float64(m.BeatUnit)
	r.offset = math.Ceil(end/bar-1e-9) * bar
	r.takes++
	r.log.WithFields(logrus.Fields{"take": r.takes, "offset": r.offset}).Debug("next take")
}

func (r *Recorder) takeEnd() float64 {
	end := r.offset
	for _, n := range r.notes {
		end = max(end, n.end)
	}
	return end
}

// quarter is the length of a quarter note in seconds at the current tempo.
func (r *Recorder) quarter() float64 {
	tempo := r.time.Tempo()
	return tempo.BeatSeconds() * float64(tempo.Meter.BeatUnit) / 4
}

func (r *Recorder) record(ch uint8, pitch string, d notation.Duration, at float64) {
	p, err := notation.ParsePitch(pitch)
	if err != nil {
		r.dropped++
		r.log.WithError(err).WithField("channel", ch).Warn("note not recorded")
		return
	}
	q := r.quarter()
	start := r.offset + at/q
	r.notes = append(r.notes, note{
		channel: ch,
		key:     uint8(p),
		start:   start,
		end:     start + r.time.Resolve(d)/q,
	})
}

type event struct {
	tick uint32
	off  bool
	msg  midi.Message
}

// WriteTo writes a format 1 file: a conductor track with meter and tempo,
// then one track per recorded channel.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	if len(r.notes) == 0 {
		return 0, ErrNoNotes
	}
	tempo := r.time.Tempo()
	quarter := r.quarter()

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(TicksPerQuarter)

	var conductor smf.Track
	conductor.Add(0, smf.MetaMeter(uint8(tempo.Meter.BeatsPerBar), uint8(tempo.Meter.BeatUnit)))
	conductor.Add(0, smf.MetaTempo(60/quarter))
	conductor.Close(0)
	if err := s.Add(conductor); err != nil {
		return 0, errors.Wrap(err, "add conductor track")
	}

	perChannel := map[uint8][]event{}
	for _, n := range r.notes {
		on, off := ticks(n.start), ticks(n.end)
		if off <= on {
			off = on + 1
		}
		perChannel[n.channel] = append(perChannel[n.channel],
			event{tick: on, msg: midi.NoteOn(n.channel, n.key, r.velocity)},
			event{tick: off, off: true, msg: midi.NoteOff(n.channel, n.key)},
		)
	}
	channels := make([]int, 0, len(perChannel))
	for ch := range perChannel {
		channels = append(channels, int(ch))
	}
	sort.Ints(channels)

	for _, ch := range channels {
		events := perChannel[uint8(ch)]
		// note offs first so a repeated key is not cut by its own release
		sort.SliceStable(events, func(i, j int) bool {
			if events[i].tick != events[j].tick {
				return events[i].tick < events[j].tick
			}
			return events[i].off && !events[j].off
		})
		var track smf.Track
		if name := r.names[uint8(ch)]; name != "" {
			track.Add(0, smf.MetaTrackSequenceName(name))
		}
		var last uint32
		for _, ev := range events {
			track.Add(ev.tick-last, ev.msg)
			last = ev.tick
		}
		track.Close(0)
		if err := s.Add(track); err != nil {
			return 0, errors.Wrapf(err, "add track for channel %d", ch)
		}
	}
	n, err := s.WriteTo(w)
	if err != nil {
		return n, errors.Wrap(err, "write smf")
	}
	r.log.WithFields(logrus.Fields{"notes": len(r.notes), "tracks": len(channels) + 1}).Info("midi exported")
	return n, nil
}

func (r *Recorder) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if _, err := r.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func ticks(quarters float64) uint32 {
	if quarters <= 0 {
		return 0
	}
	return uint32(math.Round(quarters * TicksPerQuarter))
}

// Channel records every triggered note on one MIDI channel.
type Channel struct {
	rec *Recorder
	ch  uint8
}

func (c *Channel) TriggerNote(pitch string, duration notation.Duration, at float64) {
	c.rec.record(c.ch, pitch, duration, at)
}
