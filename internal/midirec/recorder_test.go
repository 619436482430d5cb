package midirec

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/beatclock-go/internal/notation"
)

type fixedTempo notation.Tempo

func (f fixedTempo) Resolve(d notation.Duration) float64 { return d.Seconds(notation.Tempo(f)) }

func (f fixedTempo) Tempo() notation.Tempo { return notation.Tempo(f) }

func newRecorder(bpm float64, meter notation.Meter) *Recorder {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(fixedTempo{BPM: bpm, Meter: meter}, WithLogger(l))
}

type noteStart struct {
	tick    uint32
	channel uint8
	key     uint8
}

func readBack(t *testing.T, r *Recorder) (*smf.SMF, []noteStart) {
	t.Helper()
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := smf.ReadFrom(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var starts []noteStart
	for _, track := range s.Tracks {
		var abs uint32
		for _, ev := range track {
			abs += ev.Delta
			var ch, key, vel uint8
			if ev.Message.GetNoteStart(&ch, &key, &vel) {
				starts = append(starts, noteStart{abs, ch, key})
			}
		}
	}
	return s, starts
}

func TestWriteToRoundTrip(t *testing.T) {
	r := newRecorder(120, notation.CommonTime())
	melody := r.Channel(0, "melody")
	bass := r.Channel(1, "bass")
	melody.TriggerNote("B4", notation.MustParse("8n"), 0)
	melody.TriggerNote("D5", notation.MustParse("8n"), 0.125)
	bass.TriggerNote("B1", notation.MustParse("2n"), 0.5)

	s, starts := readBack(t, r)
	if len(s.Tracks) != 3 {
		t.Fatalf("expected conductor plus two tracks, got %d", len(s.Tracks))
	}
	want := []noteStart{{0, 0, 71}, {240, 0, 74}, {960, 1, 35}}
	if len(starts) != len(want) {
		t.Fatalf("read %d notes: %v", len(starts), starts)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("note %d = %+v, want %+v", i, starts[i], want[i])
		}
	}
	tempos := s.TempoChanges()
	if len(tempos) == 0 || tempos[0].BPM != 120 {
		t.Fatalf("tempo not exported: %v", tempos)
	}
}

func TestQuarterTempoFollowsBeatUnit(t *testing.T) {
	// 6/8 at 120 eighths per minute is 60 quarters per minute
	r := newRecorder(120, notation.Meter{BeatsPerBar: 6, BeatUnit: 8})
	r.Channel(2, "").TriggerNote("C4", notation.MustParse("4n"), 1)
	s, starts := readBack(t, r)
	if tempos := s.TempoChanges(); len(tempos) == 0 || tempos[0].BPM != 60 {
		t.Fatalf("tempo = %v", tempos)
	}
	if len(starts) != 1 || starts[0].tick != 960 || starts[0].channel != 2 {
		t.Fatalf("starts = %v", starts)
	}
}

func TestRepeatedKeyKeepsEveryNote(t *testing.T) {
	r := newRecorder(120, notation.CommonTime())
	ch := r.Channel(9, "drums")
	for i := 0; i < 8; i++ {
		ch.TriggerNote("C2", notation.MustParse("4n"), float64(i)*0.5)
	}
	_, starts := readBack(t, r)
	if len(starts) != 8 {
		t.Fatalf("expected 8 hits, got %d", len(starts))
	}
	for i, st := range starts {
		if st.tick != uint32(i*960) {
			t.Fatalf("hit %d at tick %d", i, st.tick)
		}
	}
}

func TestBadPitchIsCounted(t *testing.T) {
	r := newRecorder(120, notation.CommonTime())
	r.Channel(0, "").TriggerNote("nope", notation.MustParse("4n"), 0)
	if r.Len() != 0 || r.Dropped() != 1 {
		t.Fatalf("len=%d dropped=%d", r.Len(), r.Dropped())
	}
	if _, err := r.WriteTo(io.Discard); !errors.Is(err, ErrNoNotes) {
		t.Fatalf("expected ErrNoNotes, got %v", err)
	}
}

func TestNextTakeAppendsAfterTheLastBar(t *testing.T) {
	r := newRecorder(120, notation.CommonTime())
	ch := r.Channel(0, "lead")
	r.NextTake()
	if r.Takes() != 0 {
		t.Fatalf("empty take counted")
	}
	ch.TriggerNote("C4", notation.MustParse("4n"), 0)
	ch.TriggerNote("E4", notation.MustParse("2n"), 1.5)
	// the take ends 2.5s in, after beat 5, so the next one opens on bar 3
	r.NextTake()
	r.NextTake()
	ch.TriggerNote("G4", notation.MustParse("4n"), 0)
	if r.Takes() != 2 {
		t.Fatalf("takes = %d", r.Takes())
	}
	_, starts := readBack(t, r)
	want := []noteStart{{0, 0, 60}, {2880, 0, 64}, {7680, 0, 67}}
	if len(starts) != len(want) {
		t.Fatalf("starts = %v", starts)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("note %d = %+v, want %+v", i, starts[i], want[i])
		}
	}
}

func TestWithVelocity(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	r := New(fixedTempo{BPM: 120, Meter: notation.CommonTime()}, WithLogger(l), WithVelocity(64))
	r.Channel(0, "").TriggerNote("C4", notation.MustParse("4n"), 0)
	s, _ := readBack(t, r)
	var vel uint8
	for _, track := range s.Tracks {
		for _, ev := range track {
			var ch, key, v uint8
			if ev.Message.GetNoteStart(&ch, &key, &v) {
				vel = v
			}
		}
	}
	if vel != 64 {
		t.Fatalf("velocity = %d", vel)
	}
}

func TestWriteFile(t *testing.T) {
	r := newRecorder(120, notation.CommonTime())
	r.Channel(0, "").TriggerNote("C4", notation.MustParse("4n"), 0)
	path := filepath.Join(t.TempDir(), "take.mid")
	if err := r.WriteFile(path); err != nil {
		t.Fatalf("write file: %v", err)
	}
	s, err := smf.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(s.Tracks) != 2 {
		t.Fatalf("tracks = %d", len(s.Tracks))
	}
}
