package domain

import "strings"

// ValidateRunPayload checks the fields the ingestion pipeline cannot proceed
// without: run_id, agent_id, and at least one of user_task/task_text.
func ValidateRunPayload(p RunPayload) error {
	if strings.TrimSpace(p.RunID) == "" {
		return NewInvalidInput("run_id", nil)
	}
	if strings.TrimSpace(p.AgentID) == "" {
		return NewInvalidInput("agent_id", nil)
	}
	if strings.TrimSpace(p.GetTaskText()) == "" {
		return NewInvalidInput("user_task", nil)
	}
	return nil
}

// ValidateEmbedText checks text offered to the embedding port (spec §4.1):
// empty or whitespace-only input is InvalidInput.
func ValidateEmbedText(text string) error {
	if strings.TrimSpace(text) == "" {
		return NewInvalidInput("text", nil)
	}
	return nil
}
