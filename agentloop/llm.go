package agentloop

import (
	"context"

	"github.com/martinemde/codeagent/unifiedllm"
)

// LLMClient is the completion collaborator. *unifiedllm.Client satisfies it.
type LLMClient interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// StreamingLLMClient is an LLMClient that can also stream. The loop only
// streams when LoopConfig.Stream is set and the client implements this.
type StreamingLLMClient interface {
	LLMClient
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}
