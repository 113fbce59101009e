package ingest

import "sync/atomic"

// CycleState is the state of the single-flight guard.
type CycleState int32

const (
	StateIdle CycleState = iota
	StateRunning
	StateError
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Guard admits one cycle at a time. Idle and Error both accept a new cycle;
// Running rejects it.
type Guard struct {
	state atomic.Int32
}

// TryStart moves the guard to Running. It returns false when a cycle is
// already running.
func (g *Guard) TryStart() bool {
	for {
		cur := g.state.Load()
		if CycleState(cur) == StateRunning {
			return false
		}
		if g.state.CompareAndSwap(cur, int32(StateRunning)) {
			return true
		}
	}
}

// Finish leaves Running for Idle, or Error when the cycle failed.
func (g *Guard) Finish(err error) {
	next := StateIdle
	if err != nil {
		next = StateError
	}
	g.state.Store(int32(next))
}

func (g *Guard) State() CycleState {
	return CycleState(g.state.Load())
}
