package main

import (
	"strings"

	"github.com/agentmesh/agentmesh/internal/task/models"
)

// scenarioFor picks the canned update sequence for a prompt. Prefixes select
// special scripts; anything else streams a word-by-word echo.
func scenarioFor(prompt string) []models.TaskMessageUpdate {
	switch {
	case strings.HasPrefix(prompt, "tool:"):
		return toolScenario(strings.TrimPrefix(prompt, "tool:"))
	case strings.HasPrefix(prompt, "reason:"):
		return reasoningScenario(strings.TrimPrefix(prompt, "reason:"))
	case strings.HasPrefix(prompt, "data:"):
		return dataScenario()
	default:
		return echoScenario(prompt)
	}
}

// echoScenario streams "You said: <prompt>" one word at a time.
func echoScenario(prompt string) []models.TaskMessageUpdate {
	updates := []models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: &models.Content{
			Type: models.ContentTypeText, Author: models.AuthorAgent,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeText, TextDelta: "You said:",
		}},
	}
	for _, word := range strings.Fields(prompt) {
		updates = append(updates, models.TaskMessageUpdate{
			Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
				Type: models.DeltaTypeText, TextDelta: " " + word,
			},
		})
	}
	updates = append(updates, models.TaskMessageUpdate{Type: models.UpdateTypeDone, Index: 0})
	return updates
}

// toolScenario emits a tool request, its response, and a closing text
// message on three indexes.
func toolScenario(name string) []models.TaskMessageUpdate {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "lookup"
	}
	return []models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: &models.Content{
			Type: models.ContentTypeToolRequest, Author: models.AuthorAgent, ToolCallID: "call-1", Name: name,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeToolRequest, ToolCallID: "call-1", Name: name, ArgumentsDelta: `{"query":`,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeToolRequest, ToolCallID: "call-1", Name: name, ArgumentsDelta: `"mock"}`,
		}},
		{Type: models.UpdateTypeDone, Index: 0},
		{Type: models.UpdateTypeFull, Index: 1, Content: &models.Content{
			Type: models.ContentTypeToolResponse, Author: models.AuthorAgent,
			ToolCallID: "call-1", Name: name, ToolContent: "mock result",
		}},
		{Type: models.UpdateTypeFull, Index: 2, Content: &models.Content{
			Type: models.ContentTypeText, Author: models.AuthorAgent, Text: "Done with " + name + ".",
		}},
	}
}

// reasoningScenario streams reasoning content followed by a text answer.
func reasoningScenario(prompt string) []models.TaskMessageUpdate {
	return []models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: &models.Content{
			Type: models.ContentTypeReasoning, Author: models.AuthorAgent,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeReasoningContent, ContentDelta: "Considering " + strings.TrimSpace(prompt),
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeReasoningSummary, SummaryDelta: "short deliberation",
		}},
		{Type: models.UpdateTypeDone, Index: 0},
		{Type: models.UpdateTypeFull, Index: 1, Content: &models.Content{
			Type: models.ContentTypeText, Author: models.AuthorAgent, Text: "Thought about it.",
		}},
	}
}

// dataScenario streams a JSON document in two fragments.
func dataScenario() []models.TaskMessageUpdate {
	return []models.TaskMessageUpdate{
		{Type: models.UpdateTypeStart, Index: 0, Content: &models.Content{
			Type: models.ContentTypeData, Author: models.AuthorAgent,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeData, DataDelta: `{"temperature":`,
		}},
		{Type: models.UpdateTypeDelta, Index: 0, Delta: &models.Delta{
			Type: models.DeltaTypeData, DataDelta: `21,"unit":"C"}`,
		}},
		{Type: models.UpdateTypeDone, Index: 0},
	}
}
