// Package rpc dispatches inbound JSON-RPC requests to agents: it resolves
// the target agent, enforces the per-agent-type method table and
// authorization, forwards calls over ACP, and assembles streamed replies
// into persisted task messages.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/acp"
	agentmodels "github.com/agentmesh/agentmesh/internal/agent/models"
	"github.com/agentmesh/agentmesh/internal/authz"
	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/storage"
	"github.com/agentmesh/agentmesh/internal/task/models"
	taskservice "github.com/agentmesh/agentmesh/internal/task/service"
	"github.com/agentmesh/agentmesh/pkg/acp/jsonrpc"
	"github.com/agentmesh/agentmesh/pkg/acp/protocol"
)

// AgentDirectory resolves agents and their outbound credentials.
type AgentDirectory interface {
	GetAgent(ctx context.Context, sel storage.Selector) (*agentmodels.Agent, error)

	// InternalKey returns the agent's internal API key, or empty when none
	// is registered.
	InternalKey(ctx context.Context, agentID string) (string, error)
}

// allowedMethods maps each agent ACP type to the methods it accepts.
// Agentic agents drive full conversations; sync agents only converse via
// messages; async agents are driven by events.
var allowedMethods = map[agentmodels.ACPType]map[string]bool{
	agentmodels.ACPTypeAgentic: {
		protocol.MethodTaskCreate:  true,
		protocol.MethodMessageSend: true,
		protocol.MethodTaskCancel:  true,
		protocol.MethodEventSend:   true,
	},
	agentmodels.ACPTypeSync: {
		protocol.MethodTaskCreate:  true,
		protocol.MethodMessageSend: true,
		protocol.MethodTaskCancel:  true,
	},
	agentmodels.ACPTypeAsync: {
		protocol.MethodTaskCreate: true,
		protocol.MethodTaskCancel: true,
		protocol.MethodEventSend:  true,
	},
}

// Dispatcher is the inbound RPC entry point.
type Dispatcher struct {
	agents AgentDirectory
	tasks  *taskservice.Service
	client *acp.Client
	authz  authz.Authorizer
	lock   *acp.AdvisoryLock
	cfg    config.ACPConfig
	log    *logger.Logger
}

// New creates a dispatcher.
func New(
	agents AgentDirectory,
	tasks *taskservice.Service,
	client *acp.Client,
	authorizer authz.Authorizer,
	cfg config.ACPConfig,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		agents: agents,
		tasks:  tasks,
		client: client,
		authz:  authorizer,
		lock:   acp.NewAdvisoryLock(),
		cfg:    cfg,
		log:    log,
	}
}

type taskCreateParams struct {
	Name     string         `json:"name,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type messageSendParams struct {
	TaskID     string          `json:"task_id,omitempty"`
	TaskName   string          `json:"task_name,omitempty"`
	TaskParams map[string]any  `json:"task_params,omitempty"`
	Content    json.RawMessage `json:"content"`
	Stream     bool            `json:"stream,omitempty"`
}

type taskCancelParams struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskName string `json:"task_name,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type eventSendParams struct {
	TaskID   string         `json:"task_id,omitempty"`
	TaskName string         `json:"task_name,omitempty"`
	Content  map[string]any `json:"content,omitempty"`
}

// taskRef is the identifier pair shared by all methods, extracted once for
// the authorization pre-check.
type taskRef struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskName string `json:"task_name,omitempty"`
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return storage.Clientf("invalid params: %v", err)
	}
	return nil
}

// StreamRequested reports whether the request asks for a streamed reply.
func StreamRequested(req *jsonrpc.Request) bool {
	var p struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(req.Params, &p)
	return p.Stream
}

// Dispatch handles a synchronous RPC request against the agent identified
// by sel. The result is a task, an event, or the list of reply messages,
// depending on the method.
func (d *Dispatcher) Dispatch(ctx context.Context, sel storage.Selector, req *jsonrpc.Request, inbound http.Header) (any, error) {
	if StreamRequested(req) {
		return nil, storage.Clientf("params.stream is valid only for streamed message/send")
	}
	agent, headers, err := d.prepare(ctx, sel, req, inbound)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case protocol.MethodTaskCreate:
		return d.taskCreate(ctx, agent, req.Params, headers)
	case protocol.MethodMessageSend:
		return d.messageSend(ctx, agent, req.Params, headers, nil)
	case protocol.MethodTaskCancel:
		return d.taskCancel(ctx, agent, req.Params, headers)
	case protocol.MethodEventSend:
		return d.eventSend(ctx, agent, req.Params, headers)
	default:
		return nil, methodNotFound(req.Method)
	}
}

// DispatchStream handles a streamed message/send, emitting every assembled
// update chunk through emit.
func (d *Dispatcher) DispatchStream(ctx context.Context, sel storage.Selector, req *jsonrpc.Request, inbound http.Header, emit EmitFunc) error {
	if req.Method != protocol.MethodMessageSend {
		return storage.Clientf("params.stream is valid only for message/send")
	}
	agent, headers, err := d.prepare(ctx, sel, req, inbound)
	if err != nil {
		return err
	}
	_, err = d.messageSend(ctx, agent, req.Params, headers, emit)
	return err
}

func methodNotFound(method string) error {
	return &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
}

// prepare resolves the agent, checks the method table and authorization,
// and builds the outbound header set.
func (d *Dispatcher) prepare(ctx context.Context, sel storage.Selector, req *jsonrpc.Request, inbound http.Header) (*agentmodels.Agent, http.Header, error) {
	if !protocol.KnownMethod(req.Method) {
		return nil, nil, methodNotFound(req.Method)
	}
	agent, err := d.agents.GetAgent(ctx, sel)
	if err != nil {
		return nil, nil, err
	}
	if !allowedMethods[agent.ACPType][req.Method] {
		return nil, nil, storage.Clientf("method %s is not allowed for %s agents", req.Method, agent.ACPType)
	}

	var ref taskRef
	if err := decodeParams(req.Params, &ref); err != nil {
		return nil, nil, err
	}
	if err := d.authorize(ctx, req.Method, ref); err != nil {
		return nil, nil, err
	}

	headers, err := d.agentHeaders(ctx, agent, inbound)
	if err != nil {
		return nil, nil, err
	}
	return agent, headers, nil
}

// authorize runs the pre-check: task/create needs create on the task kind;
// the task-bound methods need execute on the resolved task, falling back to
// create when the name does not resolve yet.
func (d *Dispatcher) authorize(ctx context.Context, method string, ref taskRef) error {
	if method == protocol.MethodTaskCreate {
		return d.authz.Check(ctx, authz.TaskWildcard(), authz.OperationCreate)
	}
	if ref.TaskID != "" {
		return d.authz.Check(ctx, authz.TaskResource(ref.TaskID), authz.OperationExecute)
	}
	if ref.TaskName != "" {
		task, err := d.tasks.GetTask(ctx, storage.Selector{Name: ref.TaskName})
		if errors.Is(err, storage.ErrNotFound) {
			return d.authz.Check(ctx, authz.TaskWildcard(), authz.OperationCreate)
		}
		if err != nil {
			return err
		}
		return d.authz.Check(ctx, authz.TaskResource(task.ID), authz.OperationExecute)
	}
	if method != protocol.MethodMessageSend {
		return storage.Clientf("%s requires a task_id or task_name", method)
	}
	return d.authz.Check(ctx, authz.TaskWildcard(), authz.OperationCreate)
}

// agentHeaders filters the inbound headers, overlays the agent's internal
// key, and ensures a correlation id is present.
func (d *Dispatcher) agentHeaders(ctx context.Context, agent *agentmodels.Agent, inbound http.Header) (http.Header, error) {
	headers := acp.ForwardableHeaders(inbound)
	key, err := d.agents.InternalKey(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	headers = acp.WithAgentKey(headers, key)

	correlation := d.cfg.RequestIDHeader
	if correlation == "" {
		correlation = "x-request-id"
	}
	if headers.Get(correlation) == "" {
		headers.Set(correlation, uuid.NewString())
	}
	return headers, nil
}

func (d *Dispatcher) taskCreate(ctx context.Context, agent *agentmodels.Agent, raw json.RawMessage, headers http.Header) (*models.Task, error) {
	var p taskCreateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	var task *models.Task
	if p.Name != "" {
		existing, err := d.tasks.GetTask(ctx, storage.Selector{Name: p.Name})
		if err == nil {
			task = existing
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if task == nil {
		created, err := d.tasks.CreateTask(ctx, &models.Task{
			Name:         p.Name,
			AgentID:      agent.ID,
			Params:       p.Params,
			TaskMetadata: p.Metadata,
		})
		if err != nil {
			return nil, err
		}
		task = created
	}
	if err := d.authz.Grant(ctx, authz.TaskResource(task.ID)); err != nil {
		return nil, err
	}

	if agent.ACPType == agentmodels.ACPTypeAgentic {
		rpcReq, err := jsonrpc.NewRequest(protocol.MethodTaskCreate, task.ID, protocol.TaskCreateParams{
			TaskID:   task.ID,
			Name:     task.Name,
			AgentID:  agent.ID,
			Params:   task.Params,
			Metadata: task.TaskMetadata,
		})
		if err != nil {
			return nil, err
		}
		resp, err := d.client.Call(ctx, agent.ACPURL, rpcReq, headers)
		if err == nil {
			err = acp.RPCError(resp.Error)
		}
		if err != nil {
			d.failTask(ctx, task.ID, err)
			return nil, err
		}
	}
	return task, nil
}

func (d *Dispatcher) messageSend(ctx context.Context, agent *agentmodels.Agent, raw json.RawMessage, headers http.Header, emit EmitFunc) ([]*models.TaskMessage, error) {
	var p messageSendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if len(p.Content) == 0 {
		return nil, storage.Clientf("message/send requires content")
	}
	var content models.Content
	if err := json.Unmarshal(p.Content, &content); err != nil {
		return nil, storage.Clientf("invalid content: %v", err)
	}
	if content.Author == "" {
		content.Author = models.AuthorUser
	}

	task, err := d.resolveTaskForSend(ctx, agent, &p)
	if err != nil {
		return nil, err
	}

	if d.cfg.AdvisoryLock {
		release, err := d.lock.TryAcquire(agent.ID, task.ID)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	if _, err := d.tasks.CreateMessage(ctx, &models.TaskMessage{
		TaskID:          task.ID,
		Content:         content,
		StreamingStatus: models.StreamingDone,
	}); err != nil {
		return nil, err
	}

	wire, err := json.Marshal(content)
	if err != nil {
		return nil, storage.ServiceWrap(err, "encode content")
	}
	rpcReq, err := jsonrpc.NewRequest(protocol.MethodMessageSend, task.ID, protocol.MessageSendParams{
		TaskID:  task.ID,
		Content: wire,
	})
	if err != nil {
		return nil, err
	}

	stream, err := d.client.Stream(ctx, agent.ACPURL, rpcReq, headers)
	if err != nil {
		d.failTask(ctx, task.ID, err)
		return nil, err
	}
	defer stream.Close()

	var as *assembler
	if emit != nil {
		as = newStreamAssembler(d.tasks, task.ID, emit)
	} else {
		as = newCollectAssembler(task.ID)
	}
	if err := as.run(ctx, stream); err != nil {
		d.failTask(ctx, task.ID, err)
		return nil, err
	}

	if emit != nil {
		return nil, nil
	}
	replies, err := as.finalMessages()
	if err != nil {
		d.failTask(ctx, task.ID, err)
		return nil, err
	}
	if len(replies) == 0 {
		return []*models.TaskMessage{}, nil
	}
	return d.tasks.CreateMessages(ctx, replies)
}

// resolveTaskForSend resolves or creates the target task of a message/send:
// an explicit task_id must exist, a task_name is created on first use, and
// with neither a fresh task is started. Existing tasks pick up changed
// params.
func (d *Dispatcher) resolveTaskForSend(ctx context.Context, agent *agentmodels.Agent, p *messageSendParams) (*models.Task, error) {
	switch {
	case p.TaskID != "":
		task, err := d.tasks.GetTask(ctx, storage.Selector{ID: p.TaskID})
		if err != nil {
			return nil, err
		}
		return d.syncTaskParams(ctx, task, p.TaskParams)
	case p.TaskName != "":
		task, err := d.tasks.GetTask(ctx, storage.Selector{Name: p.TaskName})
		if err == nil {
			return d.syncTaskParams(ctx, task, p.TaskParams)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return d.createTaskForSend(ctx, agent, p.TaskName, p.TaskParams)
	default:
		return d.createTaskForSend(ctx, agent, "", p.TaskParams)
	}
}

func (d *Dispatcher) createTaskForSend(ctx context.Context, agent *agentmodels.Agent, name string, params map[string]any) (*models.Task, error) {
	task, err := d.tasks.CreateTask(ctx, &models.Task{Name: name, AgentID: agent.ID, Params: params})
	if err != nil {
		return nil, err
	}
	if err := d.authz.Grant(ctx, authz.TaskResource(task.ID)); err != nil {
		return nil, err
	}
	return task, nil
}

func (d *Dispatcher) syncTaskParams(ctx context.Context, task *models.Task, params map[string]any) (*models.Task, error) {
	if params == nil || reflect.DeepEqual(task.Params, params) {
		return task, nil
	}
	return d.tasks.UpdateParams(ctx, task.ID, params)
}

// resolveTaskRef resolves an explicit task_id or a task_name. An unknown id
// is an error; an unknown name starts a fresh task, so event sources can
// target a task before any message has created it.
func (d *Dispatcher) resolveTaskRef(ctx context.Context, agent *agentmodels.Agent, taskID, taskName string) (*models.Task, error) {
	if taskID != "" {
		return d.tasks.GetTask(ctx, storage.Selector{ID: taskID})
	}
	task, err := d.tasks.GetTask(ctx, storage.Selector{Name: taskName})
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return d.createTaskForSend(ctx, agent, taskName, nil)
}

func (d *Dispatcher) taskCancel(ctx context.Context, agent *agentmodels.Agent, raw json.RawMessage, headers http.Header) (*models.Task, error) {
	var p taskCancelParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sel := storage.Selector{ID: p.TaskID, Name: p.TaskName}
	task, err := d.tasks.GetTask(ctx, sel)
	if err != nil {
		return nil, err
	}
	// Canceling a canceled task is a no-op, including the agent call.
	if task.Status == models.TaskStatusCanceled {
		return task, nil
	}

	rpcReq, err := jsonrpc.NewRequest(protocol.MethodTaskCancel, task.ID, protocol.TaskCancelParams{
		TaskID: task.ID,
		Reason: p.Reason,
	})
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Call(ctx, agent.ACPURL, rpcReq, headers)
	if err == nil {
		err = acp.RPCError(resp.Error)
	}
	if err != nil {
		return nil, err
	}
	return d.tasks.UpdateStatus(ctx, task.ID, models.TaskStatusCanceled, "Task canceled by user")
}

func (d *Dispatcher) eventSend(ctx context.Context, agent *agentmodels.Agent, raw json.RawMessage, headers http.Header) (*models.Event, error) {
	var p eventSendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if (p.TaskID == "") == (p.TaskName == "") {
		return nil, storage.Clientf("event/send requires exactly one of task_id or task_name")
	}
	task, err := d.resolveTaskRef(ctx, agent, p.TaskID, p.TaskName)
	if err != nil {
		return nil, err
	}

	event, err := d.tasks.CreateEvent(ctx, &models.Event{
		TaskID:  task.ID,
		AgentID: agent.ID,
		Content: p.Content,
	})
	if err != nil {
		return nil, err
	}

	rpcReq, err := jsonrpc.NewRequest(protocol.MethodEventSend, task.ID, protocol.EventSendParams{
		TaskID:  task.ID,
		Content: p.Content,
	})
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Call(ctx, agent.ACPURL, rpcReq, headers)
	if err == nil {
		err = acp.RPCError(resp.Error)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// failTask marks the task FAILED with the cause. Caller cancellation never
// fails the task, and a task already in a terminal state stays untouched.
func (d *Dispatcher) failTask(ctx context.Context, taskID string, cause error) {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(cause, context.Canceled) {
		return
	}
	_, err := d.tasks.UpdateStatus(context.WithoutCancel(ctx), taskID, models.TaskStatusFailed, cause.Error())
	if err != nil && !errors.Is(err, storage.ErrClient) {
		d.log.Warn("mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
