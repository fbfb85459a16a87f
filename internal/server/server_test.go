package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepflow/internal/catalog"
	"github.com/tombee/stepflow/internal/manager"
	"github.com/tombee/stepflow/pkg/errors"
)

type fakeManager struct {
	out    *manager.Output
	list   []catalog.Summary
	err    error
	lastIn manager.Input
}

func (f *fakeManager) ProcessWorkflow(_ context.Context, in manager.Input) (*manager.Output, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeManager) ListWorkflows(_ context.Context, _ string) ([]catalog.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func newTestServer(t *testing.T, mgr Manager) *httptest.Server {
	t.Helper()
	srv := New(Config{AgentName: "workflow_agent"}, mgr)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postRPC(t *testing.T, ts *httptest.Server, body string) *Response {
	t.Helper()

	res, err := http.Post(ts.URL+"/", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	return &resp
}

func sendBody(id, workflowID, taskID string) string {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "message/send",
		"params": map[string]interface{}{
			"message": map[string]interface{}{
				"role":      "user",
				"messageId": "m-1",
				"parts": []map[string]interface{}{{
					"kind": "data",
					"data": map[string]interface{}{
						"workflow_id":         workflowID,
						"task_id":             taskID,
						"context_id":          "ctx-1",
						"token":               "tok-1",
						"is_new_conversation": true,
					},
				}},
			},
		},
	}
	raw, _ := json.Marshal(req)
	return string(raw)
}

func TestMessageSend(t *testing.T) {
	mgr := &fakeManager{out: &manager.Output{
		Output:       map[string]interface{}{"summary": "Which order?"},
		TaskState:    "input-required",
		Status:       "in_progress",
		EventLog:     []string{"User Input Step execution time: 0.01 seconds"},
		WorkflowID:   "wf-1",
		WorkflowName: "Order Lookup",
	}}
	ts := newTestServer(t, mgr)

	resp := postRPC(t, ts, sendBody("req-1", "wf-1", "run-1"))
	require.Nil(t, resp.Error)
	assert.Equal(t, `"req-1"`, string(resp.ID))

	// The manager saw the decoded turn.
	assert.Equal(t, "wf-1", mgr.lastIn.WorkflowID)
	assert.Equal(t, "run-1", mgr.lastIn.TaskID)
	assert.Equal(t, "tok-1", mgr.lastIn.Token)
	assert.True(t, mgr.lastIn.IsNewConversation)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var reply Message
	require.NoError(t, json.Unmarshal(raw, &reply))

	assert.Equal(t, "message", reply.Kind)
	assert.Equal(t, "agent", reply.Role)
	assert.NotEmpty(t, reply.MessageID)
	assert.Equal(t, "run-1", reply.TaskID)
	assert.Equal(t, "ctx-1", reply.ContextID)

	require.Len(t, reply.Parts, 1)
	part := reply.Parts[0]
	assert.Equal(t, "data", part.Kind)
	assert.Equal(t, "input-required", part.Data["task_state"])
	assert.Equal(t, "Which order?", part.Data["output"].(map[string]interface{})["summary"])

	meta := part.Metadata["workflow_agent"].(map[string]interface{})
	assert.Equal(t, "wf-1", meta["workflow_id"])
	assert.Equal(t, "Order Lookup", meta["workflow_name"])
	assert.NotEmpty(t, meta["event_log"])
}

func TestMessageSendNoDataPart(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	resp := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"message/send",
		"params":{"message":{"role":"user","messageId":"m-1","parts":[{"kind":"text","text":"hi"}]}}}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestMessageSendWorkflowNotFound(t *testing.T) {
	mgr := &fakeManager{err: &errors.NotFoundError{Resource: "workflow", ID: "wf-x"}}
	ts := newTestServer(t, mgr)

	resp := postRPC(t, ts, sendBody("req-1", "wf-x", "run-1"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "wf-x")
}

func TestMessageSendInternalError(t *testing.T) {
	mgr := &fakeManager{err: errors.New("engine exploded")}
	ts := newTestServer(t, mgr)

	resp := postRPC(t, ts, sendBody("req-1", "wf-1", "run-1"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestCancelUnsupported(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	resp := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tasks/cancel","params":{"id":"run-1"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeUnsupportedOperation, resp.Error.Code)
	assert.Equal(t, "cancel not supported", resp.Error.Message)
}

func TestMethodNotFound(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	resp := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"tasks/get"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	resp := postRPC(t, ts, `{not json`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestInvalidVersion(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	resp := postRPC(t, ts, `{"jsonrpc":"1.0","id":1,"method":"message/send"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestWorkflowsList(t *testing.T) {
	mgr := &fakeManager{list: []catalog.Summary{{ID: "wf-1", Name: "One"}}}
	ts := newTestServer(t, mgr)

	resp := postRPC(t, ts, `{"jsonrpc":"2.0","id":1,"method":"workflows/list","params":{"token":"tok-1"}}`)
	require.Nil(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var result struct {
		Workflows []catalog.Summary `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Workflows, 1)
	assert.Equal(t, "wf-1", result.Workflows[0].ID)
}

func TestAgentCard(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	res, err := http.Get(ts.URL + "/.well-known/agent.json")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var card AgentCard
	require.NoError(t, json.NewDecoder(res.Body).Decode(&card))
	assert.Equal(t, "Workflow Agent", card.Name)
	assert.Equal(t, []string{"data"}, card.DefaultInputModes)
	assert.False(t, card.Capabilities.Streaming)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeManager{})

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
