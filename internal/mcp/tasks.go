package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/session"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/task"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/tool"
)

// relatedTaskMetaKey links a result payload back to the task that
// produced it.
const relatedTaskMetaKey = "io.modelcontextprotocol/related-task"

// taskSummary is the wire shape of a task snapshot. TTL and poll
// interval are milliseconds.
type taskSummary struct {
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"statusMessage,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
	TTL           int64     `json:"ttl"`
	PollInterval  int64     `json:"pollInterval"`
}

func summarize(t task.Task) taskSummary {
	return taskSummary{
		TaskID:        t.ID,
		Status:        string(t.Status),
		StatusMessage: t.StatusMessage,
		CreatedAt:     t.CreatedAt.UTC(),
		LastUpdatedAt: t.LastUpdatedAt.UTC(),
		TTL:           t.TTL.Milliseconds(),
		PollInterval:  t.PollInterval.Milliseconds(),
	}
}

// createTaskResult is the response payload of a task-augmented
// tools/call.
func createTaskResult(t task.Task) map[string]any {
	return map[string]any{
		"task": summarize(t),
		"_meta": map[string]any{
			relatedTaskMetaKey: map[string]any{"taskId": t.ID},
		},
	}
}

// ownerOf scopes task visibility to the calling session.
func ownerOf(entry *session.Entry) string {
	return tool.Caller{SessionID: entry.ID, TokenDigest: entry.AuthFingerprint}.OwnerKey()
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

type tasksListParams struct {
	Cursor string `json:"cursor,omitempty"`
}

func decodeTaskID(raw json.RawMessage) (string, bool) {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil || p.TaskID == "" {
		return "", false
	}
	return p.TaskID, true
}

func (s *Server) handleTasksGet(entry *session.Entry, req *rpcRequest) rpcResponse {
	id, ok := decodeTaskID(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "taskId is required", nil)
	}
	t, ok := s.Tasks.Get(id, ownerOf(entry))
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "task not found", nil)
	}
	return rpcResult(req.ID, summarize(t))
}

func (s *Server) handleTasksList(entry *session.Entry, req *rpcRequest) rpcResponse {
	var params tasksListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcFailure(req.ID, codeInvalidParams, "malformed tasks/list params", nil)
		}
	}
	tasks, next, err := s.Tasks.List(ownerOf(entry), params.Cursor, 0)
	if errors.Is(err, task.ErrBadCursor) {
		return rpcFailure(req.ID, codeInvalidParams, err.Error(), nil)
	}
	summaries := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		summaries = append(summaries, summarize(t))
	}
	result := map[string]any{"tasks": summaries}
	if next != "" {
		result["nextCursor"] = next
	}
	return rpcResult(req.ID, result)
}

func (s *Server) handleTasksCancel(entry *session.Entry, req *rpcRequest) rpcResponse {
	id, ok := decodeTaskID(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "taskId is required", nil)
	}
	t, ok := s.Tasks.Cancel(id, ownerOf(entry), "cancelled by client")
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "task not found", nil)
	}
	return rpcResult(req.ID, summarize(t))
}

// handleTasksResult blocks until the task reaches a terminal state,
// then delivers its outcome: the stored result for completed tasks, the
// recorded failure as a JSON-RPC error for failed ones, and a cancelled
// error for cancelled ones. Delivery shrinks the task's remaining TTL
// to the post-delivery grace window.
func (s *Server) handleTasksResult(ctx context.Context, entry *session.Entry, req *rpcRequest) rpcResponse {
	id, ok := decodeTaskID(req.Params)
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "taskId is required", nil)
	}
	t, ok, err := s.Tasks.WaitForTerminal(ctx, id, ownerOf(entry))
	if err != nil {
		return rpcFailure(req.ID, codeServerError, "request cancelled while waiting for task", nil)
	}
	if !ok {
		return rpcFailure(req.ID, codeInvalidParams, "task not found", nil)
	}

	s.Tasks.ShrinkTTLAfterDelivery(t.ID)

	switch t.Status {
	case task.StatusFailed:
		if t.Error != nil {
			return rpcFailure(req.ID, t.Error.Code, t.Error.Message, t.Error.Data)
		}
		return rpcFailure(req.ID, codeInternalError, "task failed", nil)
	case task.StatusCancelled:
		return rpcFailure(req.ID, codeCancelled, "task cancelled", nil)
	}

	if res, ok := t.Result.(*tool.Result); ok {
		return rpcResult(req.ID, withRelatedTask(res, t.ID))
	}
	return rpcResult(req.ID, t.Result)
}

// withRelatedTask returns a shallow copy of res whose _meta links back
// to the producing task. The stored result is never mutated; terminal
// snapshots may be delivered concurrently.
func withRelatedTask(res *tool.Result, taskID string) *tool.Result {
	out := *res
	meta := make(map[string]any, len(res.Meta)+1)
	for k, v := range res.Meta {
		meta[k] = v
	}
	meta[relatedTaskMetaKey] = map[string]any{"taskId": taskID}
	out.Meta = meta
	return &out
}
