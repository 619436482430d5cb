package repeat

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cbegin/beatclock-go/internal/notation"
	"github.com/cbegin/beatclock-go/internal/transport"
)

var ErrInvalidPlan = errors.New("invalid sample plan")

// Player plays slices of a loaded sample. PlaySlice must accept a future
// time and start the slice exactly then; overlapping slices layer.
type Player interface {
	PlaySlice(at, offset, duration float64)
	StopAll()
}

// Plan repeats one slice of a sample: every Interval from Anchor, for Span.
type Plan struct {
	Offset   float64
	Duration float64
	Anchor   notation.Position
	Interval notation.Duration
	Span     notation.Duration
}

func (p Plan) Validate() error {
	if p.Offset < 0 || math.IsNaN(p.Offset) || math.IsInf(p.Offset, 0) {
		return errors.Wrapf(ErrInvalidPlan, "offset %v", p.Offset)
	}
	if p.Duration <= 0 || math.IsNaN(p.Duration) || math.IsInf(p.Duration, 0) {
		return errors.Wrapf(ErrInvalidPlan, "duration %v", p.Duration)
	}
	if p.Interval.Unit == 0 || p.Span.Unit == 0 {
		return errors.Wrap(ErrInvalidPlan, "interval and span are required")
	}
	return nil
}

// Repeater schedules sample slices on the transport. Unlike producers it
// does not guard against re-entry: every Play adds another layer.
type Repeater struct {
	clock  *transport.Clock
	player Player
	owner  transport.Owner
	log    logrus.FieldLogger
	active map[transport.EntryID]struct{}
	fired  int
}

type Option func(*Repeater)

func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Repeater) {
		if log != nil {
			r.log = log
		}
	}
}

func New(clock *transport.Clock, player Player, opts ...Option) *Repeater {
	r := &Repeater{
		clock:  clock,
		player: player,
		log:    logrus.StandardLogger(),
		active: map[transport.EntryID]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "repeat")
	r.owner = clock.Attach(r.reset)
	return r
}

// Play resolves the plan against the current tempo and registers it. The
// last firing lands strictly before Anchor+Span.
func (r *Repeater) Play(plan Plan) (transport.EntryID, error) {
	if err := plan.Validate(); err != nil {
		return 0, err
	}
	at := r.clock.ResolvePosition(plan.Anchor)
	interval := r.clock.Resolve(plan.Interval)
	until := at + r.clock.Resolve(plan.Span)
	offset, duration := plan.Offset, plan.Duration
	var id transport.EntryID
	id = r.clock.Register(transport.Registration{
		Owner:    r.owner,
		At:       at,
		Interval: interval,
		Until:    until,
		Callback: func(when float64) {
			r.fired++
			if !r.clock.Scheduled(id) {
				delete(r.active, id)
			}
			r.player.PlaySlice(when, offset, duration)
		},
	})
	if !r.clock.Scheduled(id) {
		r.log.WithFields(logrus.Fields{"entry": id, "until": until}).Debug("sample plan span already passed")
		return id, nil
	}
	r.active[id] = struct{}{}
	r.log.WithFields(logrus.Fields{"entry": id, "at": at, "interval": interval, "until": until}).Debug("sample plan registered")
	return id, nil
}

// Stop cancels every pending repeat and silences the player.
func (r *Repeater) Stop() {
	r.clock.CancelOwner(r.owner)
	r.reset()
}

// Active is the number of plans that still have firings ahead.
func (r *Repeater) Active() int { return len(r.active) }

func (r *Repeater) Fired() int { return r.fired }

func (r *Repeater) reset() {
	clear(r.active)
	r.player.StopAll()
}
