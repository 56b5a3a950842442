package coordinator

import (
	"fmt"

	"github.com/n0ot/rangerd/pkg/device"
	"github.com/n0ot/rangerd/pkg/ranging"
)

// Quorum is the exact number of devices a cycle needs.
const Quorum = ranging.NumDevices

// State is a step of the coordination cycle.
type State int

// Coordinator states.
const (
	AwaitingQuorum State = iota
	Phase1
	Phase2
	Phase3
	Completed
	Aborted
)

var stateNames = [...]string{
	AwaitingQuorum: "awaiting_quorum",
	Phase1:         "phase1",
	Phase2:         "phase2",
	Phase3:         "phase3",
	Completed:      "completed",
	Aborted:        "aborted",
}

func (s State) String() string {
	if s < AwaitingQuorum || s > Aborted {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Phase describes one round of role assignments.
type Phase struct {
	Number  int
	State   State
	Roles   [Quorum]string
	Tag     int
	Anchors [Quorum - 1]int
	Pairs   [Quorum - 1]ranging.Pair
}

func (p Phase) String() string {
	return fmt.Sprintf("Phase %d (tag %d)", p.Number, p.Tag)
}

// Phases is the fixed sequence run by every cycle.
// Each device is the tag exactly once, and each pair is expected twice.
var Phases = [...]Phase{
	{
		Number:  1,
		State:   Phase1,
		Roles:   [Quorum]string{device.RoleTag, device.RoleAnchor, device.RoleAnchor},
		Tag:     0,
		Anchors: [Quorum - 1]int{1, 2},
		Pairs:   [Quorum - 1]ranging.Pair{ranging.AB, ranging.AC},
	},
	{
		Number:  2,
		State:   Phase2,
		Roles:   [Quorum]string{device.RoleAnchor, device.RoleTag, device.RoleAnchor},
		Tag:     1,
		Anchors: [Quorum - 1]int{0, 2},
		Pairs:   [Quorum - 1]ranging.Pair{ranging.AB, ranging.BC},
	},
	{
		Number:  3,
		State:   Phase3,
		Roles:   [Quorum]string{device.RoleAnchor, device.RoleAnchor, device.RoleTag},
		Tag:     2,
		Anchors: [Quorum - 1]int{0, 1},
		Pairs:   [Quorum - 1]ranging.Pair{ranging.AC, ranging.BC},
	},
}
