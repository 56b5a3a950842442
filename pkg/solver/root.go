package solver

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// A RootPolicy chooses between the two circle intersections.
// right is the point to the right of the baseline A0→A1, left the mirror point.
type RootPolicy interface {
	Choose(right, left Point) Point
}

// RootPolicyFunc adapts an ordinary function to a RootPolicy.
type RootPolicyFunc func(right, left Point) Point

// Choose calls f(right, left).
func (f RootPolicyFunc) Choose(right, left Point) Point {
	return f(right, left)
}

// RightOfBaseline always picks the right-hand root.
// For A0=(0,0), A1=(1,0) this is the root with negative y.
var RightOfBaseline RootPolicy = RootPolicyFunc(func(right, left Point) Point { return right })

// LeftOfBaseline always picks the left-hand root.
var LeftOfBaseline RootPolicy = RootPolicyFunc(func(right, left Point) Point { return left })

// Nearest picks the root closest to the previous choice.
// The first choice is delegated to Base (RightOfBaseline if nil).
// Nearest is safe for concurrent use.
type Nearest struct {
	Base RootPolicy

	mtx  sync.Mutex // Protects last, have
	last Point
	have bool
}

// Choose implements RootPolicy.
func (n *Nearest) Choose(right, left Point) Point {
	n.mtx.Lock()
	defer n.mtx.Unlock()

	var p Point
	switch {
	case n.have:
		p = right
		if left.Dist(n.last) < right.Dist(n.last) {
			p = left
		}
	case n.Base != nil:
		p = n.Base.Choose(right, left)
	default:
		p = right
	}
	n.last = p
	n.have = true
	return p
}

// Reset forgets the previous choice.
func (n *Nearest) Reset() {
	n.mtx.Lock()
	n.have = false
	n.mtx.Unlock()
}

// ParseRootPolicy maps a configuration name to a policy.
// Accepted names are "right", "left" and "nearest".
func ParseRootPolicy(name string) (RootPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "right":
		return RightOfBaseline, nil
	case "left":
		return LeftOfBaseline, nil
	case "nearest":
		return &Nearest{}, nil
	}
	return nil, errors.Errorf("unknown root policy %q", name)
}
