// Copyright © 2025 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package solver resolves a tag's 2-D position from its ranges to two anchors.
package solver

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Point is a 2-D coordinate in meters.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

// Dist returns the euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f, %.3f)", p.X, p.Y)
}

// ParsePoint parses "x,y".
func ParsePoint(s string) (Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, errors.Errorf("point %q: want x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	if err != nil {
		return Point{}, errors.Wrapf(err, "point %q", s)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err != nil {
		return Point{}, errors.Wrapf(err, "point %q", s)
	}
	return Point{X: x, Y: y}, nil
}

// Fix is the outcome of a solve.
// When OK is false the circles do not intersect within tolerance,
// and Point carries no meaning.
type Fix struct {
	Point
	OK bool
}

// NoFix is returned when no position can be resolved.
var NoFix = Fix{}

func (f Fix) String() string {
	if !f.OK {
		return "no fix"
	}
	return f.Point.String()
}

// DefaultTolerance is the slack, in meters, allowed in the intersection test.
const DefaultTolerance = 0.75

// DefaultAnchors are the fixed anchor positions of the reference installation.
var DefaultAnchors = [2]Point{
	{X: 1.85, Y: 0.5},
	{X: 0.10, Y: 0.5},
}

// Solver intersects the range circles around two fixed anchors.
type Solver struct {
	A0, A1    Point
	Tolerance float64

	// Root picks one of the two intersection points.
	// If nil, RightOfBaseline is used.
	Root RootPolicy
}

// New creates a solver for the given anchors and tolerance, using the default root policy.
func New(a0, a1 Point, tolerance float64) *Solver {
	return &Solver{A0: a0, A1: a1, Tolerance: tolerance}
}

// Solve computes the tag position given its range r0 to A0 and r1 to A1.
// Degenerate input (coincident anchors, non-finite or negative ranges)
// and circles that miss each other by more than the tolerance yield NoFix.
func (s *Solver) Solve(r0, r1 float64) Fix {
	right, left, ok := s.Candidates(r0, r1)
	if !ok {
		return NoFix
	}
	root := s.Root
	if root == nil {
		root = RightOfBaseline
	}
	return Fix{Point: root.Choose(right, left), OK: true}
}

// Candidates returns both intersection points.
// right lies to the right of the baseline A0→A1, left is its mirror.
func (s *Solver) Candidates(r0, r1 float64) (right, left Point, ok bool) {
	if !finite(r0) || !finite(r1) || !finite(s.Tolerance) || r0 < 0 || r1 < 0 {
		return Point{}, Point{}, false
	}
	delta := s.A1.Sub(s.A0)
	d := math.Hypot(delta.X, delta.Y)
	if d == 0 || !finite(d) {
		return Point{}, Point{}, false
	}
	if d > r0+r1+s.Tolerance || d < math.Abs(r0-r1)-s.Tolerance {
		return Point{}, Point{}, false
	}

	a := (r0*r0 - r1*r1 + d*d) / (2 * d)
	h := math.Sqrt(math.Max(r0*r0-a*a, 0))
	p2 := Point{
		X: s.A0.X + a*delta.X/d,
		Y: s.A0.Y + a*delta.Y/d,
	}
	right = Point{
		X: p2.X + h*delta.Y/d,
		Y: p2.Y - h*delta.X/d,
	}
	left = Point{
		X: p2.X - h*delta.Y/d,
		Y: p2.Y + h*delta.X/d,
	}
	if !finite(right.X) || !finite(right.Y) || !finite(left.X) || !finite(left.Y) {
		return Point{}, Point{}, false
	}
	return right, left, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
