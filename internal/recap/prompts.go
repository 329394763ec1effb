package recap

import (
	"fmt"
	"strings"
)

func systemPrompt(cfg Config) string {
	return fmt.Sprintf(`You are a materials-synthesis planning agent. You work on one task at a time by decomposing it into subtasks and executing retrieval actions.

Always reply with a single JSON object:
{"think": "<your reasoning>", "subtasks": [<subtask objects>], "result": "<summary, only when the task is done>"}

Subtask objects (the "type" field selects the action):
- {"type": "task", "task": "<description>", "role": "<optional role>"} delegate a sub-problem
- {"type": "kb_search", "query": "...", "namespace": "kb_principles"|"kb_modulation", "mode": "mix", "top_k": %d} search the knowledge base
- {"type": "kb_get", "alias": "C1"} open one evidence chunk in full
- {"type": "kb_list"} list evidence gathered so far
- {"type": "mem_search", "query": "...", "role": "<optional role>"} search long-term memory
- {"type": "mem_get", "mem_id": "<uuid>"} open one memory item
- {"type": "mem_list"} list memories retrieved so far
- {"type": "generate_recipes"} produce the final answer (root task only, after gathering evidence)

Rules:
- Plan ahead but only the FIRST subtask is executed each turn.
- When a task is finished, reply with an empty subtasks array and a non-empty "result" summary.
- Evidence chunks are addressed by [alias] tokens like [C1]; memories by mem:<uuid> tokens. Use these tokens when referring to evidence in "think" and "result".`,
		max(cfg.KBTopK, 1))
}

func downPrompt(n *node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current task (role %s, depth %d):\n%s\n\n", n.role, n.depth, n.task)
	b.WriteString("Break this task down. Reply with your plan as JSON.")
	return b.String()
}

func actionTakenPrompt(n *node, observation string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are still working on this task (role %s):\n%s\n\n", n.role, n.task)
	fmt.Fprintf(&b, "Observation from your last action:\n%s\n\n", observation)
	b.WriteString("Continue: plan the next subtasks, or finish with an empty subtasks array and a result summary.")
	return b.String()
}

func upPrompt(n *node, childResult string, remaining []Subtask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Back on this task (role %s):\n%s\n\n", n.role, n.task)
	fmt.Fprintf(&b, "A delegated subtask just finished with this result:\n%s\n\n", childResult)
	if len(remaining) > 0 {
		b.WriteString("Your previously planned remaining subtasks were:\n")
		for i, st := range remaining {
			fmt.Fprintf(&b, "%d. %s %s%s%s\n", i+1, st.Kind, st.Task, st.Query, st.Alias)
		}
		b.WriteString("\n")
	}
	b.WriteString("Fold the result in and continue: re-plan, or finish with an empty subtasks array and a result summary.")
	return b.String()
}

func correctionPrompt(parseErr error) string {
	return fmt.Sprintf(`Your previous reply could not be parsed: %v

Reply again with ONLY a single JSON object of the form {"think": "...", "subtasks": [...], "result": "..."} and no surrounding text.`, parseErr)
}

func generateSystemPrompt(cfg Config) string {
	return fmt.Sprintf(`You are finalizing a materials-synthesis run. Produce exactly %d recipes as a JSON object:
{"recipes": [{"name": "...", "steps": ["..."], "rationale": "..."}]}

Every recipe's "rationale" must cite the evidence it rests on using [%s#] alias tokens or mem:<uuid> tokens from the evidence index. Cite only evidence from the index; invented citations are rejected. You may call tools to reread evidence before answering. When you are ready, reply with the JSON object and no tool calls.`,
		max(cfg.RecipesPerRun, 1), cfg.AliasPrefix)
}

func generateUserPrompt(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request:\n%s\n\n", s.UserRequest)

	// Focused evidence first, then the rest of the registry.
	b.WriteString("Evidence index (most relevant first):\n")
	listed := map[string]bool{}
	writeAlias := func(alias string) {
		if listed[alias] {
			return
		}
		listed[alias] = true
		chunk, _ := s.ResolveAlias(alias)
		fmt.Fprintf(&b, "[%s] (%s) %s\n", alias, chunk.Source, excerpt(chunk.Content, 200))
	}
	for _, alias := range s.FocusAliases() {
		writeAlias(alias)
	}
	for _, alias := range s.Aliases() {
		writeAlias(alias)
	}

	if len(s.MemoryIDs()) > 0 {
		b.WriteString("\nMemories retrieved:\n")
		listedMem := map[string]bool{}
		writeMem := func(id string) {
			if listedMem[id] {
				return
			}
			listedMem[id] = true
			item, _ := s.LookupMemory(id)
			fmt.Fprintf(&b, "mem:%s (%s, %s) %s\n", id, item.Role, item.Status, excerpt(item.Content, 160))
		}
		for _, id := range s.FocusMemoryIDs() {
			writeMem(id)
		}
		for _, id := range s.MemoryIDs() {
			writeMem(id)
		}
	}

	fmt.Fprintf(&b, "\nGenerate exactly %d cited recipes.", s.Config.RecipesPerRun)
	return b.String()
}
