package models

import (
	"encoding/json"
	"testing"
)

func TestSettingRequest_String(t *testing.T) {
	tests := []struct {
		body    string
		want    string
		wantErr bool
	}{
		{`{"value": "upmap"}`, "upmap", false},
		{`{"value": true}`, "1", false},
		{`{"value": false}`, "0", false},
		{`{"value": 0.05}`, "0.05", false},
		{`{"value": 10}`, "10", false},
		{`{}`, "", true},
		{`{"value": [1]}`, "", true},
	}
	for _, tt := range tests {
		var req SettingRequest
		if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.body, err)
		}
		got, err := req.String()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error %v", tt.body, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.body, got, tt.want)
		}
	}
}

func TestReweightRequest_Validate(t *testing.T) {
	w := 0.5
	if err := (&ReweightRequest{Class: "hdd", Weight: &w}).Validate(); err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if err := (&ReweightRequest{Class: "hdd"}).Validate(); err == nil {
		t.Error("expected an error for a missing weight")
	}
	if err := (&ReweightRequest{Weight: &w}).Validate(); err == nil {
		t.Error("expected an error for a missing class")
	}
	if err := (&ModeRequest{}).Validate(); err == nil {
		t.Error("expected an error for a missing mode")
	}
}
