package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katadavidxd/autolark/internal/gateway"
)

// scriptedTransport answers tools/call requests from a canned script
// and records what was asked.
type scriptedTransport struct {
	replies map[string]string // tool name -> envelope text
	errs    map[string]error
	calls   []scriptedCall
	closed  bool
}

type scriptedCall struct {
	Method string
	Name   string
	Args   map[string]any
}

func (s *scriptedTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	if method == "initialize" {
		return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
	}

	raw, _ := json.Marshal(params)
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	_ = json.Unmarshal(raw, &p)
	s.calls = append(s.calls, scriptedCall{Method: method, Name: p.Name, Args: p.Arguments})

	if err, ok := s.errs[p.Name]; ok {
		return nil, err
	}
	text, ok := s.replies[p.Name]
	if !ok {
		return nil, fmt.Errorf("no scripted reply for %s", p.Name)
	}
	result, _ := json.Marshal(toolResult{Content: []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}})
	return result, nil
}

func (s *scriptedTransport) Notify(string, any) error { return nil }
func (s *scriptedTransport) Close() error             { s.closed = true; return nil }

func newScriptedService(replies map[string]string) (*Service, *scriptedTransport) {
	t := &scriptedTransport{replies: replies, errs: map[string]error{}}
	return NewService(NewClientWithTransport(t, zerolog.Nop())), t
}

func TestCreateRecordUnwrapsEnvelope(t *testing.T) {
	svc, transport := newScriptedService(map[string]string{
		ToolRecordCreate: `{"code":0,"msg":"success","data":{"record":{"record_id":"rec123","fields":{"Task Name":"ship it"}}}}`,
	})

	rec, err := svc.CreateRecord(context.Background(), "app-tok", "tbl-1", Fields{"Task Name": "ship it"})
	require.NoError(t, err)
	assert.Equal(t, "rec123", rec.RecordID)
	assert.Equal(t, "ship it", rec.Fields["Task Name"])

	require.Len(t, transport.calls, 1)
	call := transport.calls[0]
	assert.Equal(t, "tools/call", call.Method)
	assert.Equal(t, ToolRecordCreate, call.Name)
	path := call.Args["path"].(map[string]any)
	assert.Equal(t, "app-tok", path["app_token"])
	assert.Equal(t, "tbl-1", path["table_id"])
}

func TestCallToolClassifiesLarkErrors(t *testing.T) {
	tests := []struct {
		code int
		want gateway.Kind
	}{
		{99991663, gateway.KindUnauthorized},
		{99991400, gateway.KindRateLimited},
		{1254043, gateway.KindNotFound},
		{1254302, gateway.KindInvalidRequest},
	}
	for _, tt := range tests {
		svc, _ := newScriptedService(map[string]string{
			ToolRecordGet: fmt.Sprintf(`{"code":%d,"msg":"boom"}`, tt.code),
		})
		_, err := svc.GetRecord(context.Background(), "app", "tbl", "rec")
		require.Error(t, err, "code %d", tt.code)
		assert.Equal(t, tt.want, gateway.KindOf(err), "code %d", tt.code)
	}
}

// queuedTransport answers tools/call requests from an ordered script,
// one envelope per call, for flows that reissue the same tool.
type queuedTransport struct {
	replies []string
	calls   []scriptedCall
}

func (q *queuedTransport) Call(_ context.Context, method string, params any) (json.RawMessage, error) {
	if method == "initialize" {
		return json.RawMessage(`{"protocolVersion":"2024-11-05"}`), nil
	}
	raw, _ := json.Marshal(params)
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	_ = json.Unmarshal(raw, &p)
	q.calls = append(q.calls, scriptedCall{Method: method, Name: p.Name, Args: p.Arguments})

	if len(q.replies) == 0 {
		return nil, fmt.Errorf("no scripted reply left for %s", p.Name)
	}
	text := q.replies[0]
	q.replies = q.replies[1:]
	result, _ := json.Marshal(toolResult{Content: []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}})
	return result, nil
}

func (q *queuedTransport) Notify(string, any) error { return nil }
func (q *queuedTransport) Close() error             { return nil }

func TestSearchRecordsFollowsPageTokens(t *testing.T) {
	transport := &queuedTransport{replies: []string{
		`{"code":0,"data":{"items":[{"record_id":"r1"}],"has_more":true,"page_token":"pt-2"}}`,
		`{"code":0,"data":{"items":[{"record_id":"r2"},{"record_id":"r3"}],"has_more":false}}`,
	}}
	svc := NewService(NewClientWithTransport(transport, zerolog.Nop()))

	records, err := svc.SearchRecords(context.Background(), "app", "tbl", nil, "", 1)
	require.NoError(t, err)
	require.Len(t, records, 3, "rows beyond the first page must come back")
	assert.Equal(t, "r3", records[2].RecordID)

	require.Len(t, transport.calls, 2)
	firstParams := transport.calls[0].Args["params"].(map[string]any)
	_, carried := firstParams["page_token"]
	assert.False(t, carried, "the first page carries no token")
	secondParams := transport.calls[1].Args["params"].(map[string]any)
	assert.Equal(t, "pt-2", secondParams["page_token"])
}

func TestSearchRecordsBuildsFilter(t *testing.T) {
	svc, transport := newScriptedService(map[string]string{
		ToolRecordSearch: `{"code":0,"data":{"items":[{"record_id":"r1","fields":{"Status":"To Do"}}]}}`,
	})

	records, err := svc.SearchRecords(context.Background(), "app", "tbl", []SearchCondition{
		{FieldName: "Status", Operator: "is", Value: []string{"To Do"}},
	}, "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RecordID)

	data := transport.calls[0].Args["data"].(map[string]any)
	filter := data["filter"].(map[string]any)
	assert.Equal(t, "and", filter["conjunction"])
	params := transport.calls[0].Args["params"].(map[string]any)
	assert.EqualValues(t, 100, params["page_size"])
}

func TestGetUserIDsByEmailsMapsMissingToEmpty(t *testing.T) {
	svc, _ := newScriptedService(map[string]string{
		ToolUserBatchGetID: `{"code":0,"data":{"user_list":[{"user_id":"ou_abc","email":"a@example.com"}]}}`,
	})

	ids, err := svc.GetUserIDsByEmails(context.Background(), []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ou_abc", ids["a@example.com"])
	assert.Equal(t, "", ids["b@example.com"])
}

func TestTransientErrorTearsDownTransport(t *testing.T) {
	transport := &scriptedTransport{
		replies: map[string]string{},
		errs: map[string]error{
			ToolRecordGet: gateway.New(gateway.KindTransient, "lark.transport", "lark-mcp exited"),
		},
	}
	client := NewClientWithTransport(transport, zerolog.Nop())

	_, err := client.CallTool(context.Background(), ToolRecordGet, map[string]any{})
	require.Error(t, err)
	assert.True(t, transport.closed, "transient failure should close the transport for respawn")
}

func TestSendTextMessageEncodesContent(t *testing.T) {
	svc, transport := newScriptedService(map[string]string{
		ToolMessageCreate: `{"code":0,"data":{"message_id":"om_1"}}`,
	})

	err := svc.SendTextMessage(context.Background(), "oc_chat", "chat_id", "task tk-1 moved to dead letter")
	require.NoError(t, err)

	data := transport.calls[0].Args["data"].(map[string]any)
	assert.Equal(t, "oc_chat", data["receive_id"])
	assert.Equal(t, "text", data["msg_type"])

	var content map[string]string
	require.NoError(t, json.Unmarshal([]byte(data["content"].(string)), &content))
	assert.Equal(t, "task tk-1 moved to dead letter", content["text"])
}
