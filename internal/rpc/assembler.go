package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"

	"github.com/agentmesh/agentmesh/internal/acp"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
	taskservice "github.com/agentmesh/agentmesh/internal/task/service"
)

// EmitFunc receives assembled update chunks in arrival order. Returning an
// error aborts the stream.
type EmitFunc func(*models.TaskMessageUpdate) error

// accumulator collects the deltas of one message index. All deltas for an
// index must share a single type.
type accumulator struct {
	deltaType  models.DeltaType
	toolCallID string
	name       string
	parts      []string
}

func (a *accumulator) empty() bool { return a.deltaType == "" }

func (a *accumulator) add(d *models.Delta) error {
	if a.deltaType == "" {
		a.deltaType = d.Type
	} else if a.deltaType != d.Type {
		return storage.Clientf("mixed delta types %s and %s for one message index", a.deltaType, d.Type)
	}
	if a.toolCallID == "" {
		a.toolCallID = d.ToolCallID
	}
	if a.name == "" {
		a.name = d.Name
	}
	switch d.Type {
	case models.DeltaTypeText:
		a.parts = append(a.parts, d.TextDelta)
	case models.DeltaTypeData:
		a.parts = append(a.parts, d.DataDelta)
	case models.DeltaTypeToolRequest:
		a.parts = append(a.parts, d.ArgumentsDelta)
	case models.DeltaTypeToolResponse:
		a.parts = append(a.parts, d.ContentDelta)
	case models.DeltaTypeReasoningContent:
		a.parts = append(a.parts, d.ContentDelta)
	case models.DeltaTypeReasoningSummary:
		a.parts = append(a.parts, d.SummaryDelta)
	default:
		return storage.Clientf("unknown delta type %q", d.Type)
	}
	return nil
}

// flush converts the accumulated deltas into a final content value. The
// result is identical to concatenating all fragments first and parsing once.
func (a *accumulator) flush() (models.Content, error) {
	joined := strings.Join(a.parts, "")
	switch a.deltaType {
	case models.DeltaTypeText:
		return models.Content{Type: models.ContentTypeText, Author: models.AuthorAgent, Text: joined}, nil
	case models.DeltaTypeData:
		var data map[string]any
		if err := json.Unmarshal([]byte(joined), &data); err != nil {
			return models.Content{}, storage.Clientf("data deltas do not form a JSON document: %v", err)
		}
		return models.Content{Type: models.ContentTypeData, Author: models.AuthorAgent, Data: data}, nil
	case models.DeltaTypeToolRequest:
		var args map[string]any
		if err := json.Unmarshal([]byte(joined), &args); err != nil {
			return models.Content{}, storage.Clientf("tool request arguments do not form a JSON document: %v", err)
		}
		return models.Content{
			Type:       models.ContentTypeToolRequest,
			Author:     models.AuthorAgent,
			ToolCallID: a.toolCallID,
			Name:       a.name,
			Arguments:  args,
		}, nil
	case models.DeltaTypeToolResponse:
		return models.Content{
			Type:        models.ContentTypeToolResponse,
			Author:      models.AuthorAgent,
			ToolCallID:  a.toolCallID,
			Name:        a.name,
			ToolContent: joined,
		}, nil
	case models.DeltaTypeReasoningContent:
		return models.Content{Type: models.ContentTypeReasoning, Author: models.AuthorAgent, Reasoning: []string{joined}}, nil
	case models.DeltaTypeReasoningSummary:
		return models.Content{Type: models.ContentTypeReasoning, Author: models.AuthorAgent, Summary: []string{joined}}, nil
	default:
		return models.Content{}, storage.Clientf("unknown delta type %q", a.deltaType)
	}
}

// synthesizeContent builds the initial empty content for a delta that
// arrived before any start chunk, carrying over scalar identifiers.
func synthesizeContent(d *models.Delta) (models.Content, error) {
	switch d.Type {
	case models.DeltaTypeText:
		return models.Content{Type: models.ContentTypeText, Author: models.AuthorAgent}, nil
	case models.DeltaTypeData:
		return models.Content{Type: models.ContentTypeData, Author: models.AuthorAgent, Data: map[string]any{}}, nil
	case models.DeltaTypeToolRequest:
		return models.Content{
			Type:       models.ContentTypeToolRequest,
			Author:     models.AuthorAgent,
			ToolCallID: d.ToolCallID,
			Name:       d.Name,
			Arguments:  map[string]any{},
		}, nil
	case models.DeltaTypeToolResponse:
		return models.Content{
			Type:       models.ContentTypeToolResponse,
			Author:     models.AuthorAgent,
			ToolCallID: d.ToolCallID,
			Name:       d.Name,
		}, nil
	case models.DeltaTypeReasoningContent, models.DeltaTypeReasoningSummary:
		return models.Content{Type: models.ContentTypeReasoning, Author: models.AuthorAgent}, nil
	default:
		return models.Content{}, storage.Clientf("unknown delta type %q", d.Type)
	}
}

// indexState is the assembly state of one message index. In persist mode
// parent holds the incrementally updated message; in collect mode only the
// content candidates are tracked.
type indexState struct {
	parent       *models.TaskMessage
	startContent *models.Content
	full         *models.Content
	acc          accumulator
	completed    bool
}

// assembler turns a streamed sequence of TaskMessageUpdate chunks into
// persisted task messages. In persist mode parent messages are created and
// updated as chunks arrive and every chunk is re-emitted to the caller; in
// collect mode chunks only feed per-index accumulators and the final
// contents are read off with finalMessages after the stream ends.
type assembler struct {
	tasks   *taskservice.Service
	taskID  string
	emit    EmitFunc
	persist bool
	states  map[int]*indexState
	order   []int
}

func newStreamAssembler(tasks *taskservice.Service, taskID string, emit EmitFunc) *assembler {
	return &assembler{tasks: tasks, taskID: taskID, emit: emit, persist: true, states: map[int]*indexState{}}
}

func newCollectAssembler(taskID string) *assembler {
	return &assembler{taskID: taskID, states: map[int]*indexState{}}
}

func (as *assembler) state(index int) *indexState {
	st, ok := as.states[index]
	if !ok {
		st = &indexState{}
		as.states[index] = st
		as.order = append(as.order, index)
	}
	return st
}

func (as *assembler) send(u *models.TaskMessageUpdate) error {
	if as.emit == nil {
		return nil
	}
	return as.emit(u)
}

// run consumes the ACP stream to completion. Caller cancellation flushes
// partial accumulators before returning the context error.
func (as *assembler) run(ctx context.Context, stream *acp.Stream) error {
	for {
		resp, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return as.finish(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				_ = as.finish(context.WithoutCancel(ctx))
				return ctx.Err()
			}
			return err
		}
		if rpcErr := acp.RPCError(resp.Error); rpcErr != nil {
			return rpcErr
		}
		var update models.TaskMessageUpdate
		if err := json.Unmarshal(resp.Result, &update); err != nil {
			return storage.ServiceWrap(err, "decode stream update")
		}
		if err := as.process(ctx, &update); err != nil {
			if ctx.Err() != nil {
				_ = as.finish(context.WithoutCancel(ctx))
				return ctx.Err()
			}
			return err
		}
	}
}

func (as *assembler) process(ctx context.Context, u *models.TaskMessageUpdate) error {
	st := as.state(u.Index)
	if st.completed {
		return nil
	}
	u.TaskID = as.taskID

	switch u.Type {
	case models.UpdateTypeStart:
		if st.startContent == nil {
			if u.Content == nil {
				return storage.Clientf("start update for index %d carries no content", u.Index)
			}
			st.startContent = u.Content
			if as.persist {
				if err := as.createParent(ctx, st, *u.Content); err != nil {
					return err
				}
			}
		}
		as.attach(st, u)
		return as.send(u)

	case models.UpdateTypeDelta:
		if u.Delta == nil {
			return storage.Clientf("delta update for index %d carries no delta", u.Index)
		}
		if st.startContent == nil {
			content, err := synthesizeContent(u.Delta)
			if err != nil {
				return err
			}
			st.startContent = &content
			if as.persist {
				if err := as.createParent(ctx, st, content); err != nil {
					return err
				}
			}
			start := &models.TaskMessageUpdate{
				Type:    models.UpdateTypeStart,
				Index:   u.Index,
				TaskID:  as.taskID,
				Content: &content,
			}
			as.attach(st, start)
			if err := as.send(start); err != nil {
				return err
			}
		}
		if err := st.acc.add(u.Delta); err != nil {
			return err
		}
		as.attach(st, u)
		return as.send(u)

	case models.UpdateTypeFull:
		if u.Content == nil {
			return storage.Clientf("full update for index %d carries no content", u.Index)
		}
		st.full = u.Content
		if as.persist {
			if st.parent == nil {
				if err := as.createParent(ctx, st, *u.Content); err != nil {
					return err
				}
			} else {
				st.parent.Content = *u.Content
			}
			if err := as.finalizeParent(ctx, st); err != nil {
				return err
			}
		}
		st.completed = true
		as.attach(st, u)
		return as.send(u)

	case models.UpdateTypeDone:
		if !st.acc.empty() {
			content, err := st.acc.flush()
			if err != nil {
				return err
			}
			st.full = &content
			if as.persist && st.parent != nil {
				st.parent.Content = content
			}
		}
		if as.persist && st.parent != nil {
			if err := as.finalizeParent(ctx, st); err != nil {
				return err
			}
		}
		st.completed = true
		as.attach(st, u)
		return as.send(u)

	default:
		return storage.Clientf("unknown update type %q", u.Type)
	}
}

// finish flushes accumulators for indexes that never saw a terminal chunk.
// Completed indexes are untouched.
func (as *assembler) finish(ctx context.Context) error {
	if !as.persist {
		return nil
	}
	for _, index := range as.order {
		st := as.states[index]
		if st.completed || st.parent == nil {
			continue
		}
		if !st.acc.empty() {
			content, err := st.acc.flush()
			if err != nil {
				return err
			}
			st.parent.Content = content
		}
		if err := as.finalizeParent(ctx, st); err != nil {
			return err
		}
		st.completed = true
	}
	return nil
}

func (as *assembler) createParent(ctx context.Context, st *indexState, content models.Content) error {
	msg, err := as.tasks.CreateMessage(ctx, &models.TaskMessage{
		TaskID:          as.taskID,
		Content:         content,
		StreamingStatus: models.StreamingInProgress,
	})
	if err != nil {
		return err
	}
	st.parent = msg
	return nil
}

func (as *assembler) finalizeParent(ctx context.Context, st *indexState) error {
	st.parent.StreamingStatus = models.StreamingDone
	updated, err := as.tasks.UpdateMessage(ctx, st.parent)
	if err != nil {
		return err
	}
	st.parent = updated
	return nil
}

func (as *assembler) attach(st *indexState, u *models.TaskMessageUpdate) {
	if st.parent != nil {
		u.ParentMessageID = st.parent.ID
	}
}

// finalMessages returns the assembled reply messages in ascending index
// order, used by the synchronous path after the stream ends.
func (as *assembler) finalMessages() ([]*models.TaskMessage, error) {
	indexes := append([]int(nil), as.order...)
	sort.Ints(indexes)

	var out []*models.TaskMessage
	for _, index := range indexes {
		st := as.states[index]
		var content *models.Content
		switch {
		case st.full != nil:
			content = st.full
		case !st.acc.empty():
			flushed, err := st.acc.flush()
			if err != nil {
				return nil, err
			}
			content = &flushed
		case st.startContent != nil:
			content = st.startContent
		default:
			continue
		}
		out = append(out, &models.TaskMessage{
			TaskID:          as.taskID,
			Content:         *content,
			StreamingStatus: models.StreamingDone,
		})
	}
	return out, nil
}
