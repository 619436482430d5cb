package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	beatclock "github.com/cbegin/beatclock-go"
	"github.com/cbegin/beatclock-go/internal/arrangement"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5f5")).Bold(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f55"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
)

const refreshInterval = 100 * time.Millisecond

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	session  *beatclock.Session
	meter    *levelMeter
	title    string
	stats    beatclock.Stats
	status   string
	err      bool
	quitting bool
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case " ", "p":
			m.session.Toggle()
			m.meter.Reset()
			m.status, m.err = "", false

		case "+", "=":
			m.session.SetMasterVolume(m.session.MasterVolume() + 0.1)

		case "-", "_":
			m.session.SetMasterVolume(max(0, m.session.MasterVolume()-0.1))

		case "]", "[":
			delta := 5.0
			if msg.String() == "[" {
				delta = -5
			}
			if err := m.session.SetBPM(m.stats.BPM + delta); err != nil {
				m.status, m.err = err.Error(), true
			}
		}
		m.stats = m.session.Stats()

	case tickMsg:
		m.stats = m.session.Stats()
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	st := m.stats
	var b strings.Builder
	b.WriteString("\n" + titleStyle.Render(m.title) + "\n\n")

	state := dimStyle.Render("■ stopped")
	if st.State == "running" {
		state = runningStyle.Render("▶ running")
	}
	bar, beat := st.Bar()
	fmt.Fprintf(&b, "%s  %s  %s\n",
		state,
		activeStyle.Render(fmt.Sprintf("%3d:%d", bar, beat)),
		statusStyle.Render(fmt.Sprintf("%6.2fs  %.0fbpm %d/%d  vol %.1f",
			st.Position, st.BPM, st.Meter.BeatsPerBar, st.Meter.BeatUnit, m.session.MasterVolume())),
	)
	peak, rms := m.meter.Levels()
	fmt.Fprintf(&b, "%s %s\n", statusStyle.Render("peak"), activeStyle.Render(barGraph(peak, 32)))
	fmt.Fprintf(&b, "%s %s\n\n", statusStyle.Render("rms "), dimStyle.Render(barGraph(rms, 32)))

	for _, p := range st.Parts {
		style := dimStyle
		if p.Fired > 0 && st.State == "running" {
			style = activeStyle
		}
		fmt.Fprintf(&b, "  %s %s %s\n",
			style.Render(fmt.Sprintf("%-12s", p.Name)),
			statusStyle.Render(fmt.Sprintf("%-8s", p.Kind)),
			style.Render(fmt.Sprintf("%6d", p.Fired)),
		)
	}
	fmt.Fprintf(&b, "\n%s\n", statusStyle.Render(fmt.Sprintf("dispatched %d  failures %d  drift %s",
		st.Dispatched, st.Failures, st.Drift.Round(time.Millisecond))))
	if m.status != "" {
		style := statusStyle
		if m.err {
			style = errorStyle
		}
		b.WriteString(style.Render(m.status) + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("space/p:play-stop  +/-:volume  [/]:tempo (stopped)  q:quit") + "\n")
	return b.String()
}

func barGraph(level float64, width int) string {
	n := int(min(max(level, 0), 1)*float64(width) + 0.5)
	return strings.Repeat("█", n) + strings.Repeat(" ", width-n)
}

func main() {
	var (
		file       = flag.String("file", "", "arrangement YAML (default: built-in chillwave demo)")
		sampleRate = flag.Int("sample-rate", 48000, "output sample rate")
		samplePath = flag.String("sample", "", "WAV file for sample parts, overriding the arrangement")
		logPath    = flag.String("log", "", "write logs to this file (default: discard)")
		logLevel   = flag.String("log-level", "info", "log level: debug|info|warn|error")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	arr := arrangement.Default()
	title := "beatclock: chillwave demo"
	if *file != "" {
		var err error
		if arr, err = arrangement.LoadFile(*file); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		title = "beatclock: " + *file
	}
	if *samplePath != "" {
		arr.Sample = *samplePath
	}

	meter := newLevelMeter()
	session, err := beatclock.NewSession(arr,
		beatclock.WithSampleRate(*sampleRate),
		beatclock.WithLogger(logger),
		beatclock.WithSampleTap(meter.Tap),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := session.Play(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer session.Close()

	m := model{session: session, meter: meter, title: title, stats: session.Stats()}
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		logger.WithError(err).Error("ui exited")
		fmt.Fprintln(os.Stderr, err)
	}
}
