package lark

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/katadavidxd/autolark/internal/gateway"
)

// Service wraps the MCP client with typed Bitable, contact, and IM
// operations. All record operations address an explicit app token and
// table id; the caller picks those from the table registry.
type Service struct {
	client *Client
}

// NewService wraps a client.
func NewService(client *Client) *Service {
	return &Service{client: client}
}

// Close shuts down the underlying subprocess.
func (s *Service) Close() error { return s.client.Close() }

func decodeInto(data json.RawMessage, op string, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return gateway.Wrap(gateway.KindTransient, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// CreateRecord inserts one row and returns it with its record id.
func (s *Service) CreateRecord(ctx context.Context, appToken, tableID string, fields Fields) (*Record, error) {
	data, err := s.client.CallTool(ctx, ToolRecordCreate, map[string]any{
		"path":   map[string]any{"app_token": appToken, "table_id": tableID},
		"data":   map[string]any{"fields": fields},
		"useUAT": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Record *Record `json:"record"`
	}
	if err := decodeInto(data, "lark."+ToolRecordCreate, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, gateway.New(gateway.KindTransient, "lark."+ToolRecordCreate, "response carried no record")
	}
	return resp.Record, nil
}

// GetRecord fetches one row by id.
func (s *Service) GetRecord(ctx context.Context, appToken, tableID, recordID string) (*Record, error) {
	data, err := s.client.CallTool(ctx, ToolRecordGet, map[string]any{
		"path":   map[string]any{"app_token": appToken, "table_id": tableID, "record_id": recordID},
		"useUAT": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Record *Record `json:"record"`
	}
	if err := decodeInto(data, "lark."+ToolRecordGet, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, gateway.New(gateway.KindNotFound, "lark."+ToolRecordGet, "record not found")
	}
	return resp.Record, nil
}

// SearchRecords returns rows matching the given conditions joined with
// conjunction ("and"/"or"). Empty conditions list everything. The
// page_token chain is followed until has_more clears, so every
// matching row comes back regardless of pageSize.
func (s *Service) SearchRecords(ctx context.Context, appToken, tableID string, conditions []SearchCondition, conjunction string, pageSize int) ([]Record, error) {
	if conjunction == "" {
		conjunction = "and"
	}
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 100
	}

	body := map[string]any{}
	if len(conditions) > 0 {
		body["filter"] = map[string]any{
			"conjunction": conjunction,
			"conditions":  conditions,
		}
	}

	var records []Record
	pageToken := ""
	for {
		params := map[string]any{"page_size": pageSize}
		if pageToken != "" {
			params["page_token"] = pageToken
		}
		data, err := s.client.CallTool(ctx, ToolRecordSearch, map[string]any{
			"path":   map[string]any{"app_token": appToken, "table_id": tableID},
			"data":   body,
			"params": params,
			"useUAT": true,
		})
		if err != nil {
			return nil, err
		}
		var resp struct {
			Items     []Record `json:"items"`
			HasMore   bool     `json:"has_more"`
			PageToken string   `json:"page_token"`
		}
		if err := decodeInto(data, "lark."+ToolRecordSearch, &resp); err != nil {
			return nil, err
		}
		records = append(records, resp.Items...)
		if !resp.HasMore || resp.PageToken == "" {
			return records, nil
		}
		pageToken = resp.PageToken
	}
}

// UpdateRecord patches the given fields of one row.
func (s *Service) UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields Fields) (*Record, error) {
	data, err := s.client.CallTool(ctx, ToolRecordUpdate, map[string]any{
		"path":   map[string]any{"app_token": appToken, "table_id": tableID, "record_id": recordID},
		"data":   map[string]any{"fields": fields},
		"useUAT": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Record *Record `json:"record"`
	}
	if err := decodeInto(data, "lark."+ToolRecordUpdate, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return &Record{RecordID: recordID, Fields: fields}, nil
	}
	return resp.Record, nil
}

// ListTables enumerates the tables of a Bitable app.
func (s *Service) ListTables(ctx context.Context, appToken string) ([]TableInfo, error) {
	data, err := s.client.CallTool(ctx, ToolTableList, map[string]any{
		"path":   map[string]any{"app_token": appToken},
		"useUAT": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []TableInfo `json:"items"`
	}
	if err := decodeInto(data, "lark."+ToolTableList, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// CreateTable provisions a new table and returns its id.
func (s *Service) CreateTable(ctx context.Context, appToken, name string, fields []FieldDef) (string, error) {
	data, err := s.client.CallTool(ctx, ToolTableCreate, map[string]any{
		"path": map[string]any{"app_token": appToken},
		"data": map[string]any{
			"table": map[string]any{
				"name":              name,
				"default_view_name": "Main View",
				"fields":            fields,
			},
		},
		"useUAT": true,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		TableID string `json:"table_id"`
	}
	if err := decodeInto(data, "lark."+ToolTableCreate, &resp); err != nil {
		return "", err
	}
	if resp.TableID == "" {
		return "", gateway.New(gateway.KindTransient, "lark."+ToolTableCreate, "response carried no table_id")
	}
	return resp.TableID, nil
}

// ListFields enumerates the columns of a table.
func (s *Service) ListFields(ctx context.Context, appToken, tableID string) ([]FieldInfo, error) {
	data, err := s.client.CallTool(ctx, ToolFieldList, map[string]any{
		"path":   map[string]any{"app_token": appToken, "table_id": tableID},
		"useUAT": true,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Items []FieldInfo `json:"items"`
	}
	if err := decodeInto(data, "lark."+ToolFieldList, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetUserIDsByEmails resolves open ids for a batch of emails. Emails
// with no Lark account map to "".
func (s *Service) GetUserIDsByEmails(ctx context.Context, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return map[string]string{}, nil
	}
	data, err := s.client.CallTool(ctx, ToolUserBatchGetID, map[string]any{
		"data":   map[string]any{"emails": emails},
		"params": map[string]any{"user_id_type": "open_id"},
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		UserList []UserID `json:"user_list"`
	}
	if err := decodeInto(data, "lark."+ToolUserBatchGetID, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(emails))
	for _, e := range emails {
		out[e] = ""
	}
	for _, u := range resp.UserList {
		if u.Email != "" {
			out[u.Email] = u.UserID
		}
	}
	return out, nil
}

// SendTextMessage delivers a plain-text IM message. receiveIDType is
// one of open_id, user_id, email, chat_id.
func (s *Service) SendTextMessage(ctx context.Context, receiveID, receiveIDType, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	_, err = s.client.CallTool(ctx, ToolMessageCreate, map[string]any{
		"data": map[string]any{
			"receive_id": receiveID,
			"msg_type":   "text",
			"content":    string(content),
		},
		"params": map[string]any{"receive_id_type": receiveIDType},
	})
	return err
}
