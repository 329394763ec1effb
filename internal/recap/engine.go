package recap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crucible-ai/crucible/internal/llm"
)

// ErrCanceled is returned when a cancellation request is observed at a
// checkpoint. It is control flow, not a failure; callers map it to terminal
// status canceled.
var ErrCanceled = errors.New("recap: run canceled")

// parseRetries is how many times a malformed model response is corrected
// before the run fails.
const parseRetries = 3

// Engine drives one run's planning loop. Stateless; all run state lives on
// the Session.
type Engine struct{}

// New creates an Engine.
func New() *Engine {
	return &Engine{}
}

// Execute runs the state machine to completion and returns the accepted
// final output. It returns ErrCanceled if cancellation is observed, or an
// error describing the fatal planning failure otherwise.
func (e *Engine) Execute(ctx context.Context, s *Session) (map[string]any, error) {
	arena := &nodeArena{}
	root := arena.add(s.UserRequest, "orchestrator", NoNode)
	current := root
	state := StateDown

	// Pinned first message: survives every history trim.
	s.history = []llm.Message{{Role: "system", Content: systemPrompt(s.Config)}}

	var observation string
	var childResult string

	for {
		if err := s.checkCanceled(ctx); err != nil {
			return nil, err
		}

		n := arena.get(current)
		if n.depth > s.Config.MaxDepth {
			return nil, fmt.Errorf("recap: max depth %d exceeded at task %q", s.Config.MaxDepth, excerpt(n.task, 80))
		}

		var prompt string
		switch state {
		case StateDown:
			prompt = downPrompt(n)
		case StateActionTaken:
			prompt = actionTakenPrompt(n, observation)
		case StateUp:
			prompt = upPrompt(n, childResult, remainingSubtasks(n))
		}

		info, err := e.promptAndParse(ctx, s, prompt)
		if err != nil {
			return nil, err
		}
		n.infos = append(n.infos, info)
		s.harvestFocus(info.Think)
		s.harvestFocus(info.Result)

		_, _ = s.Events.AppendEvent(ctx, s.RunID, "recap_info", map[string]any{
			"state":     state.String(),
			"task":      excerpt(n.task, 200),
			"role":      n.role,
			"depth":     n.depth,
			"think":     info.Think,
			"n_subtasks": len(info.Subtasks),
			"result":    info.Result,
		})

		if len(info.Subtasks) == 0 {
			if current == root {
				return nil, fmt.Errorf("recap: root task ended without generating recipes")
			}
			if info.Result == "" {
				observation = "ERROR: a completed subtask must hand back a non-empty result summary for its parent. Summarize what this subtask found, or continue working."
				n.observations = append(n.observations, observation)
				state = StateActionTaken
				continue
			}
			childResult = info.Result
			current = n.parent
			state = StateUp
			continue
		}

		first := info.Subtasks[0]
		switch first.Kind {
		case SubtaskTask:
			role := first.Role
			if role == "" {
				role = n.role
			}
			current = arena.add(first.Task, role, current)
			state = StateDown

		case SubtaskGenerateRecipes:
			if current != root || n.role != "orchestrator" {
				observation = "ERROR: generate_recipes is only available to the root orchestrator task. Finish this subtask with a result summary instead."
				n.observations = append(n.observations, observation)
				state = StateActionTaken
				continue
			}
			if len(s.aliasOrder) == 0 {
				observation = "ERROR: no evidence has been gathered yet. Search the knowledge base before generating recipes."
				n.observations = append(n.observations, observation)
				state = StateActionTaken
				continue
			}
			output, err := e.generate(ctx, s)
			if err != nil {
				return nil, err
			}
			return output, nil

		default:
			if err := s.checkCanceled(ctx); err != nil {
				return nil, err
			}
			obs, err := e.executePrimitive(ctx, s, first)
			if err != nil {
				return nil, err
			}
			observation = obs
			n.observations = append(n.observations, obs)
			state = StateActionTaken
		}
	}
}

type infoJSON struct {
	Think    string            `json:"think"`
	Subtasks []json.RawMessage `json:"subtasks"`
	Result   string            `json:"result"`
}

// promptAndParse sends one planning prompt and parses the structured
// response, correcting malformed replies up to parseRetries times on an
// ephemeral copy of the history. Only the successful exchange is committed.
func (e *Engine) promptAndParse(ctx context.Context, s *Session, prompt string) (Info, error) {
	attempt := make([]llm.Message, len(s.history), len(s.history)+2*parseRetries)
	copy(attempt, s.history)
	attempt = append(attempt, llm.Message{Role: "user", Content: prompt})

	var lastErr error
	for try := 0; try < parseRetries; try++ {
		if s.steps >= s.Config.MaxSteps {
			return Info{}, fmt.Errorf("recap: step budget %d exhausted", s.Config.MaxSteps)
		}
		s.steps++

		resp, err := s.Chat.Chat(ctx, llm.Request{
			Messages:    attempt,
			Temperature: s.Config.Temperature,
			JSONMode:    true,
		})
		if err != nil {
			return Info{}, fmt.Errorf("recap: chat call failed: %w", err)
		}

		info, parseErr := parseInfo(resp.Content)
		if parseErr == nil {
			s.commitExchange(prompt, resp.Content)
			return info, nil
		}
		lastErr = parseErr

		attempt = append(attempt,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: correctionPrompt(parseErr)},
		)
	}
	return Info{}, fmt.Errorf("recap: unparsable plan after %d attempts: %w", parseRetries, lastErr)
}

func parseInfo(text string) (Info, error) {
	var raw infoJSON
	if err := llm.ExtractJSONObject(text, &raw); err != nil {
		return Info{}, err
	}
	info := Info{Think: raw.Think, Result: raw.Result}
	for i, rawSub := range raw.Subtasks {
		var sub Subtask
		if err := json.Unmarshal(rawSub, &sub); err != nil {
			return Info{}, fmt.Errorf("subtask %d: %w", i+1, err)
		}
		info.Subtasks = append(info.Subtasks, sub)
	}
	return info, nil
}

// remainingSubtasks returns the parent's planned subtasks minus the first
// already-consumed one.
func remainingSubtasks(n *node) []Subtask {
	info := n.lastInfo()
	if info == nil || len(info.Subtasks) <= 1 {
		return nil
	}
	return info.Subtasks[1:]
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
