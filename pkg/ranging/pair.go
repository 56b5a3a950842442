// Package ranging turns tag reports into pairwise anchor distances.
package ranging

import (
	"github.com/pkg/errors"
)

// Pair identifies one of the three device pairs.
// Devices 0, 1 and 2 are labelled A, B and C.
type Pair int

// The three pairs, in matrix order.
const (
	AB Pair = iota
	AC
	BC
)

// NumDevices is the number of coordinated devices.
const NumDevices = 3

// Pairs lists every pair in matrix order.
var Pairs = [...]Pair{AB, AC, BC}

// ErrUnknownPair is returned when a (tag, anchor) combination names no pair.
var ErrUnknownPair = errors.New("no pair for device combination")

var pairNames = [...]string{AB: "AB", AC: "AC", BC: "BC"}

func (p Pair) String() string {
	if p < AB || p > BC {
		return "invalid"
	}
	return pairNames[p]
}

// ParsePair parses "AB", "AC" or "BC".
func ParsePair(s string) (Pair, error) {
	for _, p := range Pairs {
		if pairNames[p] == s {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownPair, "label %q", s)
}

// pairTable maps [tag index][anchor index] to a pair.
// Diagonal entries are invalid, since a device cannot range to itself.
var pairTable = [NumDevices][NumDevices]Pair{
	{-1, AB, AC},
	{AB, -1, BC},
	{AC, BC, -1},
}

// PairFor returns the pair measured when tag ranges to anchor.
func PairFor(tag, anchor int) (Pair, error) {
	if tag < 0 || tag >= NumDevices || anchor < 0 || anchor >= NumDevices {
		return 0, errors.Wrapf(ErrUnknownPair, "tag %d, anchor %d", tag, anchor)
	}
	p := pairTable[tag][anchor]
	if p < 0 {
		return 0, errors.Wrapf(ErrUnknownPair, "tag %d, anchor %d", tag, anchor)
	}
	return p, nil
}
