package server

import (
	"encoding/json"
	"testing"
)

// mustJSON marshals v for use as a handler's raw params argument in tests.
func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func unmarshal(t *testing.T, raw json.RawMessage, v interface{}) error {
	t.Helper()
	return json.Unmarshal(raw, v)
}
