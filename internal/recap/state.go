// Package recap implements the recursive planning engine that drives one
// run: a bounded state machine that decomposes the user request into
// subtasks, executes retrieval primitives, accumulates aliased evidence, and
// produces a schema-valid cited final answer.
package recap

// State is the engine's position in the decomposition cycle.
type State int

const (
	// StateDown means the engine is about to elaborate the current task.
	StateDown State = iota
	// StateActionTaken means a primitive just ran and its observation is
	// being folded into the current task.
	StateActionTaken
	// StateUp means a child task just finished and its result is being
	// folded into the parent.
	StateUp
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateActionTaken:
		return "action_taken"
	case StateUp:
		return "up"
	}
	return "unknown"
}
