package lifecycle

import (
	"fmt"

	"offline0/internal/errs"
)

// State is the lifecycle position of a worker version.
type State int

const (
	Installing State = iota + 1
	InstallFailed
	Waiting
	Activating
	Active
	Redundant
)

var stateNames = map[State]string{
	Installing:    "installing",
	InstallFailed: "install-failed",
	Waiting:       "waiting",
	Activating:    "activating",
	Active:        "active",
	Redundant:     "redundant",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for k, n := range stateNames {
		if n == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown lifecycle state %q", b)
}

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == InstallFailed || s == Redundant
}

// A waiting version that is superseded by a newer install goes straight to
// redundant without ever serving.
var transitions = map[State][]State{
	Installing: {Waiting, Activating, InstallFailed},
	Waiting:    {Activating, Redundant},
	Activating: {Active},
	Active:     {Redundant},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(id string, from, to State) error {
	if !canTransition(from, to) {
		return errs.Wrap(errs.ErrInvalidTransition, nil, "version %s: %s -> %s", id, from, to)
	}
	return nil
}
