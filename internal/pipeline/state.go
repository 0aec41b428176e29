package pipeline

import (
	"fmt"
	"time"
)

// State is a step of a two-stage run.
type State string

const (
	StateIdle          State = "idle"
	StateStage1Running State = "stage1_running"
	StateStage1Done    State = "stage1_done"
	StateStage2Running State = "stage2_running"
	StateStage2Done    State = "stage2_done"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateStage2Done || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:          {StateStage1Running},
	StateStage1Running: {StateStage1Done, StateFailed},
	StateStage1Done:    {StateStage2Running},
	StateStage2Running: {StateStage2Done, StateFailed},
}

// Transition records one state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Execution is the record of one pipeline run.
type Execution struct {
	State   State         `json:"state"`
	History []Transition  `json:"history"`
	Stage1  *Stage1Result `json:"stage1,omitempty"`
	Spec    *ChartSpec    `json:"chart_spec,omitempty"`
	Err     error         `json:"-"`

	now func() time.Time
}

func newExecution(now func() time.Time) *Execution {
	if now == nil {
		now = time.Now
	}
	return &Execution{State: StateIdle, now: now}
}

func (e *Execution) advance(to State) error {
	for _, allowed := range transitions[e.State] {
		if allowed == to {
			e.History = append(e.History, Transition{From: e.State, To: to, At: e.now()})
			e.State = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", e.State, to)
}

func (e *Execution) fail(err error) error {
	e.Err = err
	if e.State != StateStage1Running && e.State != StateStage2Running {
		return err
	}
	if terr := e.advance(StateFailed); terr != nil {
		return terr
	}
	return err
}
