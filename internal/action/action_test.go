package action

import (
	"encoding/json"
	"testing"
)

func TestResultMarshalFlattensData(t *testing.T) {
	r := OK("Email sent", map[string]any{"messageId": "m1"})
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["success"] != true || out["message"] != "Email sent" || out["messageId"] != "m1" {
		t.Fatalf("unexpected encoding: %s", b)
	}
	if _, ok := out["error"]; ok {
		t.Fatalf("success result must not carry error: %s", b)
	}
}

func TestResultMarshalFailure(t *testing.T) {
	r := Fail(CodeNotConnected, "Gmail not connected")
	r.Data = map[string]any{"success": true}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["success"] != false {
		t.Fatalf("data must not override success: %s", b)
	}
	if out["code"] != string(CodeNotConnected) || out["error"] != "Gmail not connected" {
		t.Fatalf("unexpected encoding: %s", b)
	}
}

func TestMissing(t *testing.T) {
	params := map[string]any{"to": "a@b.com", "subject": "  ", "body": nil}
	got := Missing(params, "to", "subject", "body", "cc")
	want := []string{"subject", "body", "cc"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	r := MissingParameters(got)
	if r.Success || r.Code != CodeMissingParameters || r.Error != "Missing required parameters: subject, body, cc" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParamReaders(t *testing.T) {
	params := map[string]any{"n": float64(7), "s": "12", "bad": "x", "neg": -3, "id": float64(123456789)}
	if Int(params, "n", 10) != 7 || Int(params, "s", 10) != 12 {
		t.Fatalf("unexpected ints")
	}
	if Int(params, "bad", 10) != 10 || Int(params, "neg", 10) != 10 || Int(params, "none", 5) != 5 {
		t.Fatalf("expected defaults")
	}
	if String(params, "id") != "123456789" {
		t.Fatalf("unexpected string: %q", String(params, "id"))
	}
}

func TestRequestParamsIsCopy(t *testing.T) {
	r := Request{Parameters: map[string]any{"a": "1"}}
	p := r.Params()
	p["a"] = "2"
	if r.Parameters["a"] != "1" {
		t.Fatalf("request mutated through Params copy")
	}
}
