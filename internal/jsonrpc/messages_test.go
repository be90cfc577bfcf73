package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessage_Unmarshal_Request(t *testing.T) {
	t.Parallel()

	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Type() != "request" {
		t.Fatalf("expected request, got %s", m.Type())
	}
	req := m.AsRequest()
	if req == nil || req.Method != "tools/list" || req.ID.String() != "1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if m.AsResponse() != nil {
		t.Fatal("request must not convert to response")
	}
}

func TestAnyMessage_Unmarshal_Notification(t *testing.T) {
	t.Parallel()

	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Type() != "notification" {
		t.Fatalf("expected notification, got %s", m.Type())
	}
}

func TestAnyMessage_Unmarshal_Response(t *testing.T) {
	t.Parallel()

	var m AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{"ok":true},"id":"abc"}`), &m); err != nil {
		t.Fatal(err)
	}
	if m.Type() != "response" {
		t.Fatalf("expected response, got %s", m.Type())
	}
	resp := m.AsResponse()
	if resp == nil || resp.ID.String() != "abc" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if m.AsRequest() != nil {
		t.Fatal("response must not convert to request")
	}
}

func TestAnyMessage_Unmarshal_Invalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"wrong version":        `{"jsonrpc":"1.0","method":"x","id":1}`,
		"request with result":  `{"jsonrpc":"2.0","method":"x","result":{},"id":1}`,
		"response with both":   `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"m"},"id":1}`,
		"response with neither": `{"jsonrpc":"2.0","id":1}`,
		"not json":             `{nope`,
	}
	for name, payload := range cases {
		var m AnyMessage
		if err := json.Unmarshal([]byte(payload), &m); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRequestID_StringAndNumber(t *testing.T) {
	t.Parallel()

	var numReq Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":42}`), &numReq); err != nil {
		t.Fatal(err)
	}
	if numReq.ID.String() != "42" {
		t.Fatalf("expected 42, got %s", numReq.ID.String())
	}

	var strReq Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":"abc-1"}`), &strReq); err != nil {
		t.Fatal(err)
	}
	if strReq.ID.String() != "abc-1" {
		t.Fatalf("expected abc-1, got %s", strReq.ID.String())
	}

	// Round-trip keeps the numeric form numeric.
	b, err := json.Marshal(numReq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "42" {
		t.Fatalf("numeric id must marshal as a number, got %s", b)
	}
}

func TestNewRequest_NotificationHasNoID(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(nil, "notifications/initialized", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["id"]; ok {
		t.Fatal("notification must not carry an id field")
	}
	if _, ok := raw["params"]; ok {
		t.Fatal("nil params must be omitted")
	}
}
