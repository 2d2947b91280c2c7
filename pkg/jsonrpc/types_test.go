package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(7, "tools/call", map[string]string{"name": "files__read"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	if req.JSONRPC != Version {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, Version)
	}
	if req.ID == nil || string(*req.ID) != "7" {
		t.Errorf("ID = %v, want 7", req.ID)
	}
	if req.Method != "tools/call" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/call")
	}
	if req.IsNotification() {
		t.Error("IsNotification() = true for request with ID")
	}

	var params map[string]string
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("Unmarshal Params: %v", err)
	}
	if params["name"] != "files__read" {
		t.Errorf("Params[name] = %q, want %q", params["name"], "files__read")
	}
}

func TestNewRequest_NilParams(t *testing.T) {
	req, err := NewRequest(1, "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if req.Params != nil {
		t.Errorf("Params = %s, want nil", req.Params)
	}
}

func TestNewNotification(t *testing.T) {
	req, err := NewNotification("notifications/initialized", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if req.ID != nil {
		t.Errorf("ID = %v, want nil", req.ID)
	}
	if !req.IsNotification() {
		t.Error("IsNotification() = false for request without ID")
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := m["id"]; present {
		t.Error("marshaled notification carries an id field")
	}
}

func TestNewErrorResponse(t *testing.T) {
	id := json.RawMessage(`"req-1"`)
	resp := NewErrorResponse(&id, MethodNotFound, "method not found")

	if resp.JSONRPC != Version {
		t.Errorf("JSONRPC = %q, want %q", resp.JSONRPC, Version)
	}
	if resp.ID == nil || string(*resp.ID) != `"req-1"` {
		t.Errorf("ID = %v, want %q", resp.ID, `"req-1"`)
	}
	if resp.Result != nil {
		t.Errorf("Result = %v, want nil", resp.Result)
	}
	if resp.Error == nil {
		t.Fatal("Error = nil, want non-nil")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, MethodNotFound)
	}
	if resp.Error.Error() != "method not found" {
		t.Errorf("Error() = %q, want %q", resp.Error.Error(), "method not found")
	}
}

func TestNewErrorResponse_NilID(t *testing.T) {
	resp := NewErrorResponse(nil, ParseError, "parse error")

	if resp.ID != nil {
		t.Errorf("ID = %v, want nil", resp.ID)
	}
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Errorf("Error.Code = %v, want %d", resp.Error, ParseError)
	}
}

func TestNewSuccessResponse(t *testing.T) {
	id := json.RawMessage(`1`)
	resp := NewSuccessResponse(&id, map[string]string{"key": "value"})

	if resp.ID == nil || string(*resp.ID) != "1" {
		t.Errorf("ID = %v, want 1", resp.ID)
	}
	if resp.Error != nil {
		t.Errorf("Error = %v, want nil", resp.Error)
	}

	var decoded map[string]string
	if err := json.Unmarshal(resp.Result, &decoded); err != nil {
		t.Fatalf("Unmarshal Result: %v", err)
	}
	if decoded["key"] != "value" {
		t.Errorf("Result[key] = %q, want %q", decoded["key"], "value")
	}
}

func TestNewSuccessResponse_NilResult(t *testing.T) {
	id := json.RawMessage(`"2"`)
	resp := NewSuccessResponse(&id, nil)

	if resp.Result != nil {
		t.Errorf("Result = %v, want nil", resp.Result)
	}
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want int
	}{
		{"ParseError", ParseError, -32700},
		{"InvalidRequest", InvalidRequest, -32600},
		{"MethodNotFound", MethodNotFound, -32601},
		{"InvalidParams", InvalidParams, -32602},
		{"InternalError", InternalError, -32603},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, tt.code, tt.want)
			}
		})
	}
}
