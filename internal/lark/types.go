// Package lark talks to Lark (Feishu) through the official lark-mcp
// bridge: a Node subprocess speaking JSON-RPC 2.0 over stdio. The
// package covers Bitable tables and records, contact lookup, and IM
// messages.
package lark

import "encoding/json"

// Tool names exposed by the lark-mcp server.
const (
	ToolRecordCreate   = "bitable_v1_appTableRecord_create"
	ToolRecordGet      = "bitable_v1_appTableRecord_get"
	ToolRecordSearch   = "bitable_v1_appTableRecord_search"
	ToolRecordUpdate   = "bitable_v1_appTableRecord_update"
	ToolTableList      = "bitable_v1_appTable_list"
	ToolTableCreate    = "bitable_v1_appTable_create"
	ToolFieldList      = "bitable_v1_appTableField_list"
	ToolUserBatchGetID = "contact_v3_user_batchGetId"
	ToolMessageCreate  = "im_v1_message_create"
)

// Fields maps Bitable column names to cell values. Values keep the
// shapes Lark returns: strings, numbers, or arrays of person/link
// objects.
type Fields map[string]any

// Record is one Bitable row.
type Record struct {
	RecordID string `json:"record_id"`
	Fields   Fields `json:"fields"`
}

// TableInfo describes one table inside a Bitable app.
type TableInfo struct {
	TableID  string `json:"table_id"`
	Name     string `json:"name"`
	Revision int    `json:"revision"`
}

// FieldInfo describes one column of a table.
type FieldInfo struct {
	FieldID   string          `json:"field_id"`
	FieldName string          `json:"field_name"`
	Type      int             `json:"type"`
	Property  json.RawMessage `json:"property,omitempty"`
}

// FieldDef is a column definition for table creation.
type FieldDef struct {
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
	Property  any    `json:"property,omitempty"`
}

// Bitable field type codes used when provisioning tables.
const (
	FieldTypeText         = 1
	FieldTypeNumber       = 2
	FieldTypeSingleSelect = 3
	FieldTypeDateTime     = 5
	FieldTypePerson       = 11
	FieldTypeURL          = 15
)

// SearchCondition is one predicate of a record search filter.
type SearchCondition struct {
	FieldName string   `json:"field_name"`
	Operator  string   `json:"operator"` // "is", "contains", "isNotEmpty", ...
	Value     []string `json:"value,omitempty"`
}

// UserID is one entry of a contact_v3_user_batchGetId response.
type UserID struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Mobile string `json:"mobile,omitempty"`
}
