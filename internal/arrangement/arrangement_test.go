package arrangement

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cbegin/beatclock-go/internal/notation"
	"github.com/cbegin/beatclock-go/internal/pattern"
	"github.com/cbegin/beatclock-go/internal/synth"
)

func TestDefaultArrangement(t *testing.T) {
	a := Default()
	tempo := a.Tempo()
	if tempo.BPM != 80 || tempo.Meter != notation.CommonTime() {
		t.Fatalf("tempo = %+v", tempo)
	}
	starts := map[string]float64{}
	for _, p := range a.Parts {
		starts[p.Name] = p.Start.Seconds(tempo)
	}
	// one bar at 80 bpm is 3 seconds
	want := map[string]float64{"melody": 0, "chords": 6, "bass": 12, "choir": 24, "drums": 3}
	for name, at := range want {
		if got, ok := starts[name]; !ok || got != at {
			t.Fatalf("%s starts at %v, want %v", name, got, at)
		}
	}
	drums := a.Parts[4]
	if drums.Kind != KindPattern || drums.Traversal != pattern.Up || drums.Voice.Params().Wave != synth.Membrane {
		t.Fatalf("drums = %+v", drums)
	}
	bass := a.Parts[2].Voice.Params()
	if bass.Voices != 1 || bass.Wave != synth.Square || bass.Envelope.Release != 2 {
		t.Fatalf("bass voice = %+v", bass)
	}
	if a.Parts[0].NoteLength().String() != "8n" || a.HasSampleParts() {
		t.Fatalf("melody note %s", a.Parts[0].NoteLength())
	}
	if r := a.Effects.Reverb; r == nil || r.Decay != 2.5 || r.PreDelay != 0.3 || a.Effects.Delay != nil {
		t.Fatalf("effects = %+v", a.Effects)
	}
	sends := map[string]float64{}
	for _, p := range a.Parts {
		sends[p.Name] = p.Sends.Reverb
	}
	if sends["melody"] != 1 || sends["chords"] != 1 || sends["choir"] != 1 || sends["bass"] != 0 || sends["drums"] != 0 {
		t.Fatalf("reverb sends = %v", sends)
	}
}

func TestLoadEffects(t *testing.T) {
	a, err := Load(strings.NewReader(`
bpm: 120
effects:
  delay: {time: 8n., feedback: 0.4, pingPong: true}
parts:
  - name: lead
    kind: sequence
    events: [C4]
    interval: 4n
    sends: {delay: 0.5}
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := a.Effects.Delay
	if d == nil || !d.PingPong || d.Feedback != 0.4 {
		t.Fatalf("delay = %+v", d)
	}
	if got := d.Time.Seconds(a.Tempo()); got != 0.375 {
		t.Fatalf("dotted eighth at 120 bpm = %v s", got)
	}
	if a.Parts[0].Sends.Delay != 0.5 {
		t.Fatalf("sends = %+v", a.Parts[0].Sends)
	}
}

func TestLoadDefaultsMeterAndNote(t *testing.T) {
	a, err := Load(strings.NewReader(`
bpm: 120
parts:
  - name: loop
    kind: loop
    events: [C2]
    interval: 4n
    start: 0
    iterations: 4
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Meter != notation.CommonTime() {
		t.Fatalf("meter = %+v", a.Meter)
	}
	p := a.Parts[0]
	if !p.Start.IsOrigin() || p.NoteLength() != p.Interval || p.Iterations != 4 {
		t.Fatalf("part = %+v", p)
	}
}

func TestLoadSamplePart(t *testing.T) {
	a, err := Load(strings.NewReader(`
bpm: 120
meter: {beatsPerBar: 3, beatUnit: 4}
sample: break.wav
parts:
  - name: chop
    kind: sample
    interval: 8n
    span: 2m
    start: 1:0:0
    offset: 0.25
    duration: 0.2
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !a.HasSampleParts() || a.Sample != "break.wav" {
		t.Fatalf("sample arrangement = %+v", a)
	}
	if got := a.Parts[0].Span.Seconds(a.Tempo()); got != 3 {
		t.Fatalf("span = %v s", got)
	}
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"bad bpm":       "bpm: 0\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"bad meter":     "bpm: 90\nmeter: {beatsPerBar: 4, beatUnit: 3}\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"no parts":      "bpm: 90\nparts: []",
		"bad interval":  "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 0n}]",
		"no interval":   "bpm: 90\nparts: [{name: a, kind: loop, events: [C2]}]",
		"bad start":     "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 4n, start: soon}]",
		"bad kind":      "bpm: 90\nparts: [{name: a, kind: arp, events: [C2], interval: 4n}]",
		"bad pitch":     "bpm: 90\nparts: [{name: a, kind: sequence, events: [C2, X9], interval: 4n}]",
		"no events":     "bpm: 90\nparts: [{name: a, kind: sequence, interval: 4n}]",
		"bad traversal": "bpm: 90\nparts: [{name: a, kind: pattern, events: [C2], interval: 4n, traversal: sideways}]",
		"seq traversal": "bpm: 90\nparts: [{name: a, kind: sequence, events: [C2], interval: 4n, traversal: down}]",
		"duplicate":     "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}, {name: a, kind: loop, events: [C2], interval: 4n}]",
		"unnamed":       "bpm: 90\nparts: [{kind: loop, events: [C2], interval: 4n}]",
		"channel":       "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 4n, channel: 16}]",
		"sample slice":  "bpm: 90\nparts: [{name: a, kind: sample, interval: 4n, span: 1m, duration: 0}]",
		"sample span":   "bpm: 90\nparts: [{name: a, kind: sample, interval: 4n, duration: 1}]",
		"unknown field": "bpm: 90\ntempo: 3\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"bad wave":      "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 4n, voice: {wave: fm}}]",
		"orphan send":   "bpm: 90\nparts: [{name: a, kind: loop, events: [C2], interval: 4n, sends: {reverb: 1}}]",
		"loud send":     "bpm: 90\neffects: {reverb: {decay: 1}}\nparts: [{name: a, kind: loop, events: [C2], interval: 4n, sends: {reverb: 2}}]",
		"no decay":      "bpm: 90\neffects: {reverb: {preDelay: 0.1}}\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"delay time":    "bpm: 90\neffects: {delay: {feedback: 0.5}}\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"feedback":      "bpm: 90\neffects: {delay: {time: 8n, feedback: 1}}\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]",
		"sample send":   "bpm: 90\neffects: {reverb: {decay: 1}}\nparts: [{name: a, kind: sample, interval: 4n, span: 1m, duration: 1, sends: {reverb: 1}}]",
	}
	for name, doc := range cases {
		if _, err := Load(strings.NewReader(doc)); !errors.Is(err, ErrInvalidArrangement) {
			t.Fatalf("%s: expected ErrInvalidArrangement, got %v", name, err)
		}
	}
}

func TestLoadKeepsTheCause(t *testing.T) {
	cases := []struct {
		name  string
		doc   string
		cause error
	}{
		{"bpm", "bpm: -1\nparts: [{name: a, kind: loop, events: [C2], interval: 4n}]", notation.ErrInvalidTempo},
		{"pitch", "bpm: 90\nparts: [{name: a, kind: sequence, events: [H2], interval: 4n}]", notation.ErrInvalidPitch},
	}
	for _, c := range cases {
		_, err := Load(strings.NewReader(c.doc))
		if !errors.Is(err, ErrInvalidArrangement) || !errors.Is(err, c.cause) {
			t.Fatalf("%s: expected both ErrInvalidArrangement and %v, got %v", c.name, c.cause, err)
		}
		if !strings.HasPrefix(err.Error(), "invalid arrangement: ") {
			t.Fatalf("%s: message %q", c.name, err)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Default().Encode(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := Load(&buf)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, buf.String())
	}
	orig := Default()
	if len(again.Parts) != len(orig.Parts) {
		t.Fatalf("parts lost")
	}
	for i := range orig.Parts {
		a, b := orig.Parts[i], again.Parts[i]
		if a.Name != b.Name || a.Interval != b.Interval || a.Start.String() != b.Start.String() || a.Traversal != b.Traversal {
			t.Fatalf("part %d changed: %+v vs %+v", i, a, b)
		}
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected an error")
	}
}
