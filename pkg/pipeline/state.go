package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/beso/pkg/process"
)

// State is a position in the run state machine.
type State int

const (
	Idle State = iota
	BuildingInputs
	Stage1Running
	Stage2Running
	Stage3Running
	Stage4Running
	Stage5Running
	Done
	Aborted
)

var stateNames = [...]string{
	Idle:           "Idle",
	BuildingInputs: "BuildingInputs",
	Stage1Running:  "Stage1Running",
	Stage2Running:  "Stage2Running",
	Stage3Running:  "Stage3Running",
	Stage4Running:  "Stage4Running",
	Stage5Running:  "Stage5Running",
	Done:           "Done",
	Aborted:        "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Done || s == Aborted
}

// Running reports whether s is one of the stage states.
func (s State) Running() bool {
	return s >= Stage1Running && s <= Stage5Running
}

// completion is a process exit tagged with the state that launched it.
type completion struct {
	state   State
	exit    process.Exit
	elapsed time.Duration
}

var errStale = errors.New("stale completion")

// advance is the single transition out of a running state. A completion
// from any state other than cur is stale and leaves cur unchanged.
func advance(cur State, c completion, stage string) (State, error) {
	if !cur.Running() || c.state != cur {
		return cur, errStale
	}
	if !c.exit.Success() {
		return Aborted, &StageFailedError{Stage: stage, Code: c.exit.Code, Err: c.exit.Err}
	}
	if cur == Stage5Running {
		return Done, nil
	}
	return cur + 1, nil
}
