package models

// DeltaType is the discriminator of the streaming delta union. All deltas
// accumulated for one message index must share a single type.
type DeltaType string

// Delta types.
const (
	DeltaTypeText             DeltaType = "text"
	DeltaTypeData             DeltaType = "data"
	DeltaTypeToolRequest      DeltaType = "tool_request"
	DeltaTypeToolResponse     DeltaType = "tool_response"
	DeltaTypeReasoningContent DeltaType = "reasoning_content"
	DeltaTypeReasoningSummary DeltaType = "reasoning_summary"
)

// Delta is a partial content fragment emitted during streaming. Deltas are
// transit-only and never persisted raw; the fields populated depend on Type:
//
//	text:              TextDelta
//	data:              DataDelta (concatenates to a JSON document)
//	tool_request:      ToolCallID, Name, ArgumentsDelta
//	tool_response:     ToolCallID, Name, ContentDelta
//	reasoning_content: ContentDelta
//	reasoning_summary: SummaryDelta
type Delta struct {
	Type           DeltaType `json:"type"`
	TextDelta      string    `json:"text_delta,omitempty"`
	DataDelta      string    `json:"data_delta,omitempty"`
	ToolCallID     string    `json:"tool_call_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	ArgumentsDelta string    `json:"arguments_delta,omitempty"`
	ContentDelta   string    `json:"content_delta,omitempty"`
	SummaryDelta   string    `json:"summary_delta,omitempty"`
}

// UpdateType is the chunk kind within a streamed reply.
type UpdateType string

// Update types.
const (
	UpdateTypeStart UpdateType = "start"
	UpdateTypeDelta UpdateType = "delta"
	UpdateTypeFull  UpdateType = "full"
	UpdateTypeDone  UpdateType = "done"
)

// TaskMessageUpdate is one chunk of a streamed agent reply, keyed by the
// message index it contributes to. The dispatcher attaches ParentMessageID
// before republishing updates to the caller.
type TaskMessageUpdate struct {
	Type            UpdateType `json:"type"`
	Index           int        `json:"index"`
	TaskID          string     `json:"task_id,omitempty"`
	ParentMessageID string     `json:"parent_message_id,omitempty"`
	Content         *Content   `json:"content,omitempty"`
	Delta           *Delta     `json:"delta,omitempty"`
}
