package proc

import "fmt"

// State is one position in the process lifecycle.
type State int

const (
	Created State = iota
	Ready
	Running
	Blocked
	Zombie
)

var stateNames = map[State]string{
	Created: "created",
	Ready:   "ready",
	Running: "running",
	Blocked: "blocked",
	Zombie:  "zombie",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// legalTransition is the whole lifecycle. Nothing outside this table is a
// valid set_state, ever.
func legalTransition(from, to State) bool {
	switch {
	case from == Created && to == Ready:
		return true
	case from == Ready && to == Running:
		return true
	case from == Running && to == Ready:
		return true
	case from == Running && to == Blocked:
		return true
	case from == Blocked && to == Ready:
		return true
	case from == Running && to == Zombie:
		return true
	}
	return false
}
