package pattern

import (
	"math/rand/v2"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnknownTraversal = errors.New("unknown traversal")

// Traversal selects how a producer walks its events.
type Traversal int

const (
	// Forward walks 0..L-1 and wraps. Sequences always use it.
	Forward Traversal = iota
	Up
	Down
	UpDown
	Random
)

var traversalNames = map[Traversal]string{
	Forward: "forward",
	Up:      "up",
	Down:    "down",
	UpDown:  "upDown",
	Random:  "random",
}

func (t Traversal) String() string {
	if name, ok := traversalNames[t]; ok {
		return name
	}
	return "unknown"
}

func ParseTraversal(s string) (Traversal, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return Forward, nil
	}
	for t, name := range traversalNames {
		if strings.ToLower(name) == key {
			return t, nil
		}
	}
	return Forward, errors.Wrapf(ErrUnknownTraversal, "%q", s)
}

func (t *Traversal) UnmarshalText(text []byte) error {
	v, err := ParseTraversal(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Traversal) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// period is the number of steps before the walk repeats.
func (t Traversal) period(n int) int {
	if t == UpDown && n > 1 {
		return 2*n - 2
	}
	return n
}

// index maps a cursor step to an event index.
func (t Traversal) index(step, n int, rng *rand.Rand) int {
	switch t {
	case Down:
		return n - 1 - step
	case UpDown:
		if step < n {
			return step
		}
		return 2*n - 2 - step
	case Random:
		if n == 1 {
			return 0
		}
		if rng == nil {
			return rand.IntN(n)
		}
		return rng.IntN(n)
	default:
		return step
	}
}
