package pattern

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cbegin/beatclock-go/internal/notation"
	"github.com/cbegin/beatclock-go/internal/transport"
)

var ErrNoEvents = errors.New("pattern has no events")

// Callback receives the scheduled transport time and the current event.
type Callback[E any] func(at float64, event E)

type config struct {
	name       string
	iterations int
	rng        *rand.Rand
	log        logrus.FieldLogger
}

type Option func(*config)

func WithName(name string) Option {
	return func(cfg *config) {
		cfg.name = name
	}
}

// WithIterations stops the producer after n firings. Zero repeats forever.
func WithIterations(n int) Option {
	return func(cfg *config) {
		if n >= 0 {
			cfg.iterations = n
		}
	}
}

func WithRand(rng *rand.Rand) Option {
	return func(cfg *config) {
		cfg.rng = rng
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(cfg *config) {
		if log != nil {
			cfg.log = log
		}
	}
}

// Producer repeatedly emits events from a collection on a fixed musical
// interval. It owns a cursor that always restarts at zero after a stop.
type Producer[E any] struct {
	clock     *transport.Clock
	owner     transport.Owner
	id        transport.EntryID
	events    []E
	traversal Traversal
	interval  notation.Duration
	cb        Callback[E]
	cfg       config
	log       logrus.FieldLogger

	running bool
	cursor  int
	run     int
	fired   int
}

// NewSequence walks events in order, wrapping after the last one.
func NewSequence[E any](clock *transport.Clock, events []E, interval notation.Duration, cb Callback[E], opts ...Option) (*Producer[E], error) {
	return newProducer(clock, events, Forward, interval, cb, opts)
}

func NewPattern[E any](clock *transport.Clock, events []E, traversal Traversal, interval notation.Duration, cb Callback[E], opts ...Option) (*Producer[E], error) {
	return newProducer(clock, events, traversal, interval, cb, opts)
}

// NewLoop fires cb on every interval. It is a sequence over one element.
func NewLoop(clock *transport.Clock, interval notation.Duration, cb func(at float64), opts ...Option) (*Producer[struct{}], error) {
	if cb == nil {
		return nil, errors.New("loop callback is nil")
	}
	return newProducer(clock, []struct{}{{}}, Forward, interval, func(at float64, _ struct{}) { cb(at) }, opts)
}

func newProducer[E any](clock *transport.Clock, events []E, traversal Traversal, interval notation.Duration, cb Callback[E], opts []Option) (*Producer[E], error) {
	if clock == nil {
		return nil, errors.New("producer needs a clock")
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	if cb == nil {
		return nil, errors.New("producer callback is nil")
	}
	if _, ok := traversalNames[traversal]; !ok {
		return nil, errors.Wrapf(ErrUnknownTraversal, "%d", int(traversal))
	}
	cfg := config{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Producer[E]{
		clock:     clock,
		events:    append([]E(nil), events...),
		traversal: traversal,
		interval:  interval,
		cb:        cb,
		cfg:       cfg,
	}
	p.log = cfg.log.WithFields(logrus.Fields{"component": "pattern", "part": cfg.name})
	p.owner = clock.Attach(p.reset)
	return p, nil
}

// Start schedules the first firing at the given position, resolved against
// the clock's current tempo. Starting a running producer does nothing.
func (p *Producer[E]) Start(at notation.Position) {
	if p.running {
		return
	}
	start := p.clock.ResolvePosition(at)
	interval := p.clock.Resolve(p.interval)
	var until float64
	if p.cfg.iterations > 0 {
		until = start + float64(p.cfg.iterations)*interval
	}
	p.id = p.clock.Register(transport.Registration{
		Owner:    p.owner,
		At:       start,
		Interval: interval,
		Until:    until,
		Callback: p.fire,
	})
	if !p.clock.Scheduled(p.id) {
		// every bounded repetition is already behind the transport
		p.log.WithField("at", start).Debug("producer span already passed")
		return
	}
	p.running = true
	p.log.WithFields(logrus.Fields{"at": start, "interval": interval, "traversal": p.traversal}).Debug("producer started")
}

// Stop cancels pending firings and rewinds the cursor.
func (p *Producer[E]) Stop() {
	if !p.running {
		return
	}
	p.clock.CancelOwner(p.owner)
	p.reset()
	p.log.Debug("producer stopped")
}

// Close stops the producer and detaches it from the clock.
func (p *Producer[E]) Close() {
	p.Stop()
	p.clock.Detach(p.owner)
}

func (p *Producer[E]) Running() bool { return p.running }

func (p *Producer[E]) Cursor() int { return p.cursor }

// Fired counts firings over the producer's lifetime, across restarts.
func (p *Producer[E]) Fired() int { return p.fired }

func (p *Producer[E]) Len() int { return len(p.events) }

func (p *Producer[E]) Traversal() Traversal { return p.traversal }

func (p *Producer[E]) reset() {
	p.running = false
	p.cursor = 0
	p.run = 0
}

func (p *Producer[E]) fire(at float64) {
	n := len(p.events)
	ev := p.events[p.traversal.index(p.cursor, n, p.cfg.rng)]
	p.cursor = (p.cursor + 1) % p.traversal.period(n)
	p.fired++
	p.run++
	// the last queued repetition ends the run, even after a late start
	if p.cfg.iterations > 0 && (p.run >= p.cfg.iterations || !p.clock.Scheduled(p.id)) {
		p.reset()
	}
	p.cb(at, ev)
}
