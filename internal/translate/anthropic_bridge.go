package translate

import (
	"encoding/json"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/google/uuid"
)

// AnthropicBridgeRequest is the body sent to the bridge side-car's
// POST /anthropic/chat. Only text content is supported; the bridge
// concatenates messages into a single prompt string itself.
type AnthropicBridgeRequest struct {
	Messages []BridgeMessage `json:"messages"`
	Model    string          `json:"model"`
}

type BridgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToAnthropicBridge passes {messages, model} through largely unchanged,
// flattening each message's content to text.
func ToAnthropicBridge(req domain.ChatRequest) AnthropicBridgeRequest {
	out := AnthropicBridgeRequest{Model: req.Model}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, BridgeMessage{Role: m.Role, Content: m.Text()})
	}
	return out
}

// NormalizeBridgeChunk validates a chunk already emitted in OpenAI shape by
// the bridge and fills in a generated id when the bridge omitted one. The
// bridge is trusted to have produced a well-formed chunk otherwise; this
// function only enforces the one piece of the contract a translator owns.
func NormalizeBridgeChunk(raw []byte) (domain.StreamChunk, error) {
	var chunk domain.StreamChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return domain.StreamChunk{}, err
	}
	if chunk.ID == "" {
		chunk.ID = "bridge-" + uuid.NewString()
	}
	if chunk.Object == "" {
		chunk.Object = "chat.completion.chunk"
	}
	return chunk, nil
}
