package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	beatclock "github.com/cbegin/beatclock-go"
	"github.com/cbegin/beatclock-go/internal/arrangement"
)

func main() {
	var (
		file       = flag.String("file", "", "arrangement YAML (default: built-in chillwave demo)")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		renderPath = flag.String("render", "", "render to a WAV file instead of playing")
		seconds    = flag.Float64("seconds", 0, "stop after N seconds (required with -render; 0 plays until interrupted)")
		midiPath   = flag.String("midi", "", "also record notes and write them to a MIDI file on exit")
		velocity   = flag.Uint("velocity", 100, "note velocity for -midi (1-127)")
		samplePath = flag.String("sample", "", "WAV file for sample parts, overriding the arrangement")
		bpm        = flag.Float64("bpm", 0, "override the arrangement tempo")
		volume     = flag.Float64("volume", 1.0, "master volume scalar")
		seed       = flag.Uint64("seed", 0, "seed for random traversals (0 = nondeterministic)")
		dump       = flag.Bool("dump", false, "print the arrangement as YAML and exit")
		logLevel   = flag.String("log-level", "info", "log level: debug|info|warn|error")
	)
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatalf("invalid -log-level %q", *logLevel)
	}
	logger.SetLevel(level)

	arr, err := loadArrangement(*file)
	if err != nil {
		logger.Fatal(err)
	}
	if strings.TrimSpace(*samplePath) != "" {
		arr.Sample = *samplePath
	}
	if *bpm > 0 {
		arr.BPM = *bpm
	}
	if *dump {
		if err := arr.Encode(os.Stdout); err != nil {
			logger.Fatal(err)
		}
		return
	}

	opts := []beatclock.SessionOption{
		beatclock.WithSampleRate(*sampleRate),
		beatclock.WithLogger(logger),
	}
	if *midiPath != "" {
		if *velocity < 1 || *velocity > 127 {
			logger.Fatalf("invalid -velocity %d", *velocity)
		}
		opts = append(opts, beatclock.WithMIDIVelocity(uint8(*velocity)))
	}
	if *seed != 0 {
		opts = append(opts, beatclock.WithSeed(*seed))
	}
	session, err := beatclock.NewSession(arr, opts...)
	if err != nil {
		logger.Fatal(err)
	}
	session.SetMasterVolume(*volume)

	if *renderPath != "" {
		err = render(session, *renderPath, *seconds)
	} else {
		err = play(session, *seconds, logger)
	}
	if err != nil {
		logger.Fatal(err)
	}
	if *midiPath != "" {
		if err := session.WriteMIDIFile(*midiPath); err != nil {
			logger.Fatal(err)
		}
		logger.WithField("path", *midiPath).Info("midi written")
	}
}

func loadArrangement(path string) (*arrangement.Arrangement, error) {
	if strings.TrimSpace(path) == "" {
		return arrangement.Default(), nil
	}
	return arrangement.LoadFile(path)
}

func render(session *beatclock.Session, path string, seconds float64) error {
	if seconds <= 0 {
		return errors.New("-render needs -seconds")
	}
	samples := session.Render(seconds)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	if err := beatclock.WriteWAV(f, samples, session.SampleRate(), 2); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func play(session *beatclock.Session, seconds float64, logger *logrus.Logger) error {
	if err := session.Play(); err != nil {
		return err
	}
	session.Toggle()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	var deadline <-chan time.Time
	if seconds > 0 {
		deadline = time.After(time.Duration(seconds * float64(time.Second)))
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return session.Close()
		case <-deadline:
			return session.Close()
		case <-ticker.C:
			st := session.Stats()
			logger.WithFields(logrus.Fields{
				"position":   st.Position,
				"dispatched": st.Dispatched,
				"drift":      st.Drift,
			}).Debug("transport")
		}
	}
}
