package models

import (
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/agentmesh/agentmesh/internal/storage"
)

// Author identifies who produced a content item.
type Author string

// Content authors.
const (
	AuthorUser  Author = "USER"
	AuthorAgent Author = "AGENT"
)

// ContentType is the discriminator of the content tagged union.
type ContentType string

// Content types.
const (
	ContentTypeText         ContentType = "text"
	ContentTypeData         ContentType = "data"
	ContentTypeToolRequest  ContentType = "tool_request"
	ContentTypeToolResponse ContentType = "tool_response"
	ContentTypeReasoning    ContentType = "reasoning"
)

// StreamingStatus tracks the assembly progress of an agent reply message.
// The zero value means the message never streamed. Transitions are
// monotonic: "" -> IN_PROGRESS -> DONE.
type StreamingStatus string

// Streaming statuses.
const (
	StreamingInProgress StreamingStatus = "IN_PROGRESS"
	StreamingDone       StreamingStatus = "DONE"
)

// Content is the tagged union carried by task messages. Exactly the fields
// of the active variant are populated:
//
//	text:          Text
//	data:          Data
//	tool_request:  ToolCallID, Name, Arguments
//	tool_response: ToolCallID, Name, ToolContent
//	reasoning:     Reasoning and/or Summary
//
// The wire representation keys "content" by variant (string for text and
// tool_response, array for reasoning), so Content implements custom JSON
// and BSON codecs. Unknown discriminators are rejected.
type Content struct {
	Type   ContentType
	Author Author

	Text        string
	Data        map[string]any
	ToolCallID  string
	Name        string
	Arguments   map[string]any
	ToolContent string
	Reasoning   []string
	Summary     []string
}

type contentJSON struct {
	Type       ContentType     `json:"type"`
	Author     Author          `json:"author"`
	Content    json.RawMessage `json:"content,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Summary    []string        `json:"summary,omitempty"`
}

// MarshalJSON emits the variant-specific wire shape.
func (c Content) MarshalJSON() ([]byte, error) {
	doc := contentJSON{Type: c.Type, Author: c.Author}
	switch c.Type {
	case ContentTypeText:
		raw, err := json.Marshal(c.Text)
		if err != nil {
			return nil, err
		}
		doc.Content = raw
	case ContentTypeData:
		doc.Data = c.Data
		if doc.Data == nil {
			doc.Data = map[string]any{}
		}
	case ContentTypeToolRequest:
		doc.ToolCallID = c.ToolCallID
		doc.Name = c.Name
		doc.Arguments = c.Arguments
		if doc.Arguments == nil {
			doc.Arguments = map[string]any{}
		}
	case ContentTypeToolResponse:
		doc.ToolCallID = c.ToolCallID
		doc.Name = c.Name
		raw, err := json.Marshal(c.ToolContent)
		if err != nil {
			return nil, err
		}
		doc.Content = raw
	case ContentTypeReasoning:
		if len(c.Reasoning) > 0 {
			raw, err := json.Marshal(c.Reasoning)
			if err != nil {
				return nil, err
			}
			doc.Content = raw
		}
		doc.Summary = c.Summary
	default:
		return nil, fmt.Errorf("unknown content type %q", c.Type)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the variant-specific wire shape, rejecting unknown
// discriminators.
func (c *Content) UnmarshalJSON(data []byte) error {
	var doc contentJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Content{Type: doc.Type, Author: doc.Author}
	switch doc.Type {
	case ContentTypeText:
		if len(doc.Content) > 0 {
			if err := json.Unmarshal(doc.Content, &out.Text); err != nil {
				return fmt.Errorf("text content: %w", err)
			}
		}
	case ContentTypeData:
		out.Data = doc.Data
	case ContentTypeToolRequest:
		out.ToolCallID = doc.ToolCallID
		out.Name = doc.Name
		out.Arguments = doc.Arguments
	case ContentTypeToolResponse:
		out.ToolCallID = doc.ToolCallID
		out.Name = doc.Name
		if len(doc.Content) > 0 {
			if err := json.Unmarshal(doc.Content, &out.ToolContent); err != nil {
				return fmt.Errorf("tool response content: %w", err)
			}
		}
	case ContentTypeReasoning:
		if len(doc.Content) > 0 {
			if err := json.Unmarshal(doc.Content, &out.Reasoning); err != nil {
				return fmt.Errorf("reasoning content: %w", err)
			}
		}
		out.Summary = doc.Summary
	default:
		return fmt.Errorf("unknown content type %q", doc.Type)
	}
	*c = out
	return nil
}

type contentBSON struct {
	Type       ContentType    `bson:"type"`
	Author     Author         `bson:"author"`
	Content    bson.RawValue  `bson:"content,omitempty"`
	Data       map[string]any `bson:"data,omitempty"`
	ToolCallID string         `bson:"tool_call_id,omitempty"`
	Name       string         `bson:"name,omitempty"`
	Arguments  map[string]any `bson:"arguments,omitempty"`
	Summary    []string       `bson:"summary,omitempty"`
}

// MarshalBSON mirrors the JSON wire shape for the document store.
func (c Content) MarshalBSON() ([]byte, error) {
	doc := bson.M{"type": c.Type, "author": c.Author}
	switch c.Type {
	case ContentTypeText:
		doc["content"] = c.Text
	case ContentTypeData:
		data := c.Data
		if data == nil {
			data = map[string]any{}
		}
		doc["data"] = data
	case ContentTypeToolRequest:
		args := c.Arguments
		if args == nil {
			args = map[string]any{}
		}
		doc["tool_call_id"] = c.ToolCallID
		doc["name"] = c.Name
		doc["arguments"] = args
	case ContentTypeToolResponse:
		doc["tool_call_id"] = c.ToolCallID
		doc["name"] = c.Name
		doc["content"] = c.ToolContent
	case ContentTypeReasoning:
		if len(c.Reasoning) > 0 {
			doc["content"] = c.Reasoning
		}
		if len(c.Summary) > 0 {
			doc["summary"] = c.Summary
		}
	default:
		return nil, fmt.Errorf("unknown content type %q", c.Type)
	}
	return bson.Marshal(doc)
}

// UnmarshalBSON decodes the document-store shape.
func (c *Content) UnmarshalBSON(data []byte) error {
	var doc contentBSON
	if err := bson.Unmarshal(data, &doc); err != nil {
		return err
	}
	out := Content{Type: doc.Type, Author: doc.Author}
	switch doc.Type {
	case ContentTypeText:
		if doc.Content.Type != 0 {
			if err := doc.Content.Unmarshal(&out.Text); err != nil {
				return fmt.Errorf("text content: %w", err)
			}
		}
	case ContentTypeData:
		out.Data = doc.Data
	case ContentTypeToolRequest:
		out.ToolCallID = doc.ToolCallID
		out.Name = doc.Name
		out.Arguments = doc.Arguments
	case ContentTypeToolResponse:
		out.ToolCallID = doc.ToolCallID
		out.Name = doc.Name
		if doc.Content.Type != 0 {
			if err := doc.Content.Unmarshal(&out.ToolContent); err != nil {
				return fmt.Errorf("tool response content: %w", err)
			}
		}
	case ContentTypeReasoning:
		if doc.Content.Type != 0 {
			if err := doc.Content.Unmarshal(&out.Reasoning); err != nil {
				return fmt.Errorf("reasoning content: %w", err)
			}
		}
		out.Summary = doc.Summary
	default:
		return fmt.Errorf("unknown content type %q", doc.Type)
	}
	*c = out
	return nil
}

// TaskMessage is a single content item within a task. Agent replies are
// created at stream start, updated as deltas accumulate, and finalized with
// StreamingDone.
type TaskMessage struct {
	storage.Base `bson:",inline"`

	TaskID          string          `json:"task_id" db:"task_id" bson:"task_id"`
	Content         Content         `json:"content" db:"content" bson:"content"`
	StreamingStatus StreamingStatus `json:"streaming_status,omitempty" db:"streaming_status" bson:"streaming_status,omitempty"`
}
