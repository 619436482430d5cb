package transport

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cbegin/beatclock-go/internal/notation"
)

const DefaultSampleRate = 48000

var ErrRunning = errors.New("transport is running")

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

// CallbackError describes a callback that panicked during dispatch.
type CallbackError struct {
	Entry EntryID
	Owner Owner
	At    float64
	Value any
}

func (e CallbackError) Error() string {
	return fmt.Sprintf("callback for entry %d (owner %d) at %.6fs failed: %v", e.Entry, e.Owner, e.At, e.Value)
}

type Option func(*Clock)

func WithSampleRate(rate int) Option {
	return func(c *Clock) {
		if rate > 0 {
			c.sampleRate = rate
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Clock) {
		if log != nil {
			c.log = log
		}
	}
}

// WithWallClock replaces time.Now for the start anchor and Drift.
func WithWallClock(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.wallNow = now
		}
	}
}

// WithFailureHandler is called after a panicking callback has been logged.
// It runs on the dispatching goroutine and must not block.
func WithFailureHandler(fn func(CallbackError)) Option {
	return func(c *Clock) {
		c.onFailure = fn
	}
}

type resetHook struct {
	owner Owner
	reset func()
}

// Clock is the transport: tempo, meter, the running/stopped state machine
// and the scheduler it drives. It is advanced by the host's audio callback
// and is not safe for concurrent use.
type Clock struct {
	tempo      notation.Tempo
	sampleRate int
	state      State
	frame      int64
	sched      *Scheduler
	hooks      []resetHook
	lastOwner  Owner
	log        logrus.FieldLogger
	wallNow    func() time.Time
	anchor     time.Time
	onFailure  func(CallbackError)
	dispatched uint64
	failures   uint64

	// epoch counts stops so a tick notices a stop/start inside a callback
	epoch uint64
}

func New(tempo notation.Tempo, opts ...Option) (*Clock, error) {
	if err := tempo.Validate(); err != nil {
		return nil, err
	}
	c := &Clock{
		tempo:      tempo,
		sampleRate: DefaultSampleRate,
		sched:      NewScheduler(),
		log:        logrus.StandardLogger(),
		wallNow:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "transport")
	return c, nil
}

func (c *Clock) State() State { return c.state }

func (c *Clock) SampleRate() int { return c.sampleRate }

func (c *Clock) Frame() int64 { return c.frame }

func (c *Clock) Tempo() notation.Tempo { return c.tempo }

// Now is the transport position in seconds. It only moves while running.
func (c *Clock) Now() float64 {
	return float64(c.frame) / float64(c.sampleRate)
}

// SetBPM is rejected while running so already resolved spans stay valid.
func (c *Clock) SetBPM(bpm float64) error {
	if c.state == Running {
		return errors.Wrap(ErrRunning, "set bpm")
	}
	next := c.tempo
	next.BPM = bpm
	if err := next.Validate(); err != nil {
		return err
	}
	c.tempo = next
	return nil
}

func (c *Clock) SetMeter(m notation.Meter) error {
	if c.state == Running {
		return errors.Wrap(ErrRunning, "set meter")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	c.tempo.Meter = m
	return nil
}

func (c *Clock) Resolve(d notation.Duration) float64 { return d.Seconds(c.tempo) }

func (c *Clock) ResolvePosition(p notation.Position) float64 { return p.Seconds(c.tempo) }

func (c *Clock) Start() {
	if c.state == Running {
		return
	}
	c.state = Running
	c.anchor = c.wallNow()
	c.log.WithFields(logrus.Fields{"bpm": c.tempo.BPM, "pending": c.sched.Len()}).Info("transport started")
}

// Stop cancels every scheduled entry, rewinds to zero and resets every
// attached producer. Producers always restart from their first event.
func (c *Clock) Stop() {
	if c.state == Stopped {
		return
	}
	pos := c.Now()
	c.state = Stopped
	c.epoch++
	cancelled := c.sched.CancelAll()
	c.frame = 0
	hooks := append([]resetHook(nil), c.hooks...)
	for _, h := range hooks {
		if h.reset != nil {
			h.reset()
		}
	}
	c.log.WithFields(logrus.Fields{"position": pos, "cancelled": cancelled}).Info("transport stopped")
}

func (c *Clock) Toggle() State {
	if c.state == Running {
		c.Stop()
	} else {
		c.Start()
	}
	return c.state
}

// Drift is the wall time elapsed since Start minus the transport position.
// A growing value means the host is not pulling audio fast enough.
func (c *Clock) Drift() time.Duration {
	if c.state != Running {
		return 0
	}
	played := time.Duration(c.Now() * float64(time.Second))
	return c.wallNow().Sub(c.anchor) - played
}

// Attach registers a reset hook run on Stop and returns an owner token for
// tagging registrations.
func (c *Clock) Attach(reset func()) Owner {
	c.lastOwner++
	c.hooks = append(c.hooks, resetHook{owner: c.lastOwner, reset: reset})
	return c.lastOwner
}

// Detach cancels the owner's entries and forgets its reset hook.
func (c *Clock) Detach(owner Owner) {
	c.sched.CancelOwner(owner)
	for i, h := range c.hooks {
		if h.owner == owner {
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			return
		}
	}
}

// Registration is a seconds-based scheduling request. Until is exclusive;
// zero means the entry repeats until cancelled.
type Registration struct {
	Owner    Owner
	At       float64
	Interval float64
	Until    float64
	Callback Callback
}

func (c *Clock) Register(r Registration) EntryID {
	if r.Callback == nil {
		return 0
	}
	e := Entry{
		Owner:    r.Owner,
		FireAt:   r.At,
		Start:    r.At,
		Interval: r.Interval,
		Until:    r.Until,
		Callback: r.Callback,
	}
	if c.state == Running && r.Interval > 0 {
		// keep the grid phase: skip repetitions the transport already passed
		if now := c.Now(); r.At < now {
			e.n = int64(math.Ceil((now - r.At) / r.Interval * (1 - gridEpsilon)))
		}
	}
	return c.sched.Add(e)
}

func (c *Clock) ScheduleAt(at float64, cb Callback) EntryID {
	return c.Register(Registration{At: at, Callback: cb})
}

// ScheduleRepeating fires cb every interval from start until start+total.
func (c *Clock) ScheduleRepeating(interval notation.Duration, start notation.Position, total notation.Duration, cb Callback) EntryID {
	at := c.ResolvePosition(start)
	return c.Register(Registration{
		At:       at,
		Interval: c.Resolve(interval),
		Until:    at + c.Resolve(total),
		Callback: cb,
	})
}

// ScheduleLoop fires cb every interval from start until cancelled.
func (c *Clock) ScheduleLoop(interval notation.Duration, start notation.Position, cb Callback) EntryID {
	return c.Register(Registration{
		At:       c.ResolvePosition(start),
		Interval: c.Resolve(interval),
		Callback: cb,
	})
}

func (c *Clock) Cancel(id EntryID) bool { return c.sched.Cancel(id) }

func (c *Clock) CancelOwner(owner Owner) int { return c.sched.CancelOwner(owner) }

func (c *Clock) CancelAll() int { return c.sched.CancelAll() }

func (c *Clock) Pending() int { return c.sched.Len() }

// Scheduled reports whether id has a firing ahead of it.
func (c *Clock) Scheduled(id EntryID) bool { return c.sched.Pending(id) }

func (c *Clock) Dispatched() uint64 { return c.dispatched }

func (c *Clock) Failures() uint64 { return c.failures }

// Advance is the host tick. It fires, in time order, every entry due before
// the end of the next frames-long window, then moves the position forward.
// The running state is rechecked before each dispatch, so a callback that
// stops the transport suppresses everything after it.
func (c *Clock) Advance(frames int) {
	if frames <= 0 || c.state != Running {
		return
	}
	epoch := c.epoch
	end := c.frame + int64(frames)
	until := float64(end) / float64(c.sampleRate)
	for c.state == Running && c.epoch == epoch {
		e, ok := c.sched.PopDue(until)
		if !ok {
			break
		}
		c.dispatch(e)
	}
	if c.state == Running && c.epoch == epoch {
		c.frame = end
	}
}

func (c *Clock) AdvanceSeconds(seconds float64) {
	c.Advance(int(math.Round(seconds * float64(c.sampleRate))))
}

func (c *Clock) dispatch(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			c.failures++
			ce := CallbackError{Entry: e.ID, Owner: e.Owner, At: e.FireAt, Value: r}
			c.log.WithFields(logrus.Fields{
				"entry": e.ID,
				"owner": e.Owner,
				"at":    e.FireAt,
			}).Errorf("callback failed: %v", r)
			if c.onFailure != nil {
				c.onFailure(ce)
			}
		}
	}()
	c.dispatched++
	e.Callback(e.FireAt)
}
