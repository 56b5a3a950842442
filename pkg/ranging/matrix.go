package ranging

import (
	"fmt"
	"strconv"
	"strings"
)

// Matrix holds the average distance of each pair.
// A pair that was not measured is absent, never zero.
type Matrix struct {
	values  [len(Pairs)]float64
	present [len(Pairs)]bool
}

// Get returns the distance for p, and whether it was measured.
func (m *Matrix) Get(p Pair) (float64, bool) {
	if p < AB || p > BC {
		return 0, false
	}
	return m.values[p], m.present[p]
}

// Set records the distance for p, replacing any earlier value.
func (m *Matrix) Set(p Pair, meters float64) {
	if p < AB || p > BC {
		return
	}
	m.values[p] = meters
	m.present[p] = true
}

// Merge fills pairs that are still absent from avgs.
// Pairs that already have a value are left alone.
// It returns the pairs that were written.
func (m *Matrix) Merge(avgs map[Pair]float64) []Pair {
	var written []Pair
	for _, p := range Pairs {
		v, ok := avgs[p]
		if !ok || m.present[p] {
			continue
		}
		m.Set(p, v)
		written = append(written, p)
	}
	return written
}

// Complete reports whether every pair was measured.
func (m *Matrix) Complete() bool {
	for _, ok := range m.present {
		if !ok {
			return false
		}
	}
	return true
}

// Missing lists the pairs that have not been measured.
func (m *Matrix) Missing() []Pair {
	var missing []Pair
	for _, p := range Pairs {
		if !m.present[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

// Format renders each measured pair with prec decimal places.
func (m *Matrix) Format(prec int) map[string]string {
	out := make(map[string]string, len(Pairs))
	for _, p := range Pairs {
		if v, ok := m.Get(p); ok {
			out[p.String()] = strconv.FormatFloat(v, 'f', prec, 64)
		}
	}
	return out
}

func (m Matrix) String() string {
	parts := make([]string, 0, len(Pairs))
	for _, p := range Pairs {
		if v, ok := m.Get(p); ok {
			parts = append(parts, fmt.Sprintf("%s=%.2f", p, v))
		} else {
			parts = append(parts, fmt.Sprintf("%s=none", p))
		}
	}
	return strings.Join(parts, " ")
}
