package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

func newRecorder() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	rec := tracetest.NewSpanRecorder()
	return rec, sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestNewTracerProviderDisabled(t *testing.T) {
	tp, shutdown, err := NewTracerProvider(context.Background(), TraceConfig{})
	if err != nil || tp == nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTracingMiddleware(t *testing.T) {
	rec, tp := newRecorder()
	mw := TracingMiddleware(tp)
	req := unifiedllm.Request{Provider: "openai", Model: "gpt-5.2", Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}}

	_, err := mw(context.Background(), req, func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return &unifiedllm.Response{
			Usage:        unifiedllm.Usage{InputTokens: 12, OutputTokens: 3},
			FinishReason: unifiedllm.FinishReason{Reason: "stop"},
		}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = mw(context.Background(), req, func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
		return nil, errors.New("rate limited")
	})
	if err == nil {
		t.Fatal("expected error")
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "llm.openai" || spans[0].Status().Code != codes.Ok {
		t.Errorf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	if v, ok := attrValue(spans[0].Attributes(), "llm.usage.input_tokens"); !ok || v.AsInt64() != 12 {
		t.Errorf("missing input token attribute: %v", spans[0].Attributes())
	}
	if spans[1].Status().Code != codes.Error || len(spans[1].Events()) == 0 {
		t.Errorf("error span not recorded: %v", spans[1].Status())
	}
}

func TestTraceTools(t *testing.T) {
	rec, tp := newRecorder()
	reg := agentloop.NewToolRegistry(
		&agentloop.FuncTool{
			Def: unifiedllm.ToolDefinition{Name: "ok_tool"},
			Fn: func(context.Context, map[string]any) (string, error) {
				return "done", nil
			},
		},
		&agentloop.FuncTool{
			Def:         unifiedllm.ToolDefinition{Name: "bad_tool"},
			IsSensitive: true,
			Fn: func(context.Context, map[string]any) (string, error) {
				return "", errors.New("nope")
			},
		},
	)
	reg.Wrap(TraceTools(tp))

	for _, name := range []string{"ok_tool", "bad_tool"} {
		tool, _ := reg.Get(name)
		_, _ = tool.Execute(context.Background(), nil)
	}
	bad, _ := reg.Get("bad_tool")
	if !bad.Sensitive() || bad.Name() != "bad_tool" {
		t.Error("decorator must preserve tool identity")
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}
	if s := byName["tool.ok_tool"]; s == nil || s.Status().Code != codes.Ok {
		t.Errorf("ok_tool span missing or not ok")
	}
	if s := byName["tool.bad_tool"]; s == nil || s.Status().Code != codes.Error {
		t.Errorf("bad_tool span missing or not error")
	} else if v, ok := attrValue(s.Attributes(), "tool.sensitive"); !ok || !v.AsBool() {
		t.Errorf("missing sensitive attribute")
	}
}
