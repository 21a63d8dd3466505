package toolregistry

import (
	"encoding/json"
	"testing"
)

func TestRegisterAndDispatch(t *testing.T) {
	r := New()
	r.Register("echo", "echoes its input", ObjectSchema(map[string]any{"msg": map[string]any{"type": "string"}}, "msg"),
		func(ctx *ToolContext, args json.RawMessage) (string, error) {
			var a struct {
				Msg string `json:"msg"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return "", err
			}
			return a.Msg, nil
		})

	out, err := r.Dispatch(&ToolContext{}, "echo", json.RawMessage(`{"msg":"hi"}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out != "hi" {
		t.Errorf("got %q", out)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := New()
	if _, err := r.Dispatch(&ToolContext{}, "missing", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestListToolsReturnsAllDescriptors(t *testing.T) {
	r := New()
	r.Register("a", "tool a", ObjectSchema(nil), func(*ToolContext, json.RawMessage) (string, error) { return "", nil })
	r.Register("b", "tool b", ObjectSchema(nil), func(*ToolContext, json.RawMessage) (string, error) { return "", nil })

	list := r.ListTools()
	if len(list) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(list))
	}
	names := map[string]bool{}
	for _, d := range list {
		names[d.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Errorf("missing expected tool names: %+v", names)
	}
}

func TestGetHandlerMissing(t *testing.T) {
	r := New()
	if _, ok := r.GetHandler("nope"); ok {
		t.Error("expected ok=false for missing handler")
	}
}
