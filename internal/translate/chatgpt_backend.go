package translate

import (
	"encoding/json"
	"strings"

	"github.com/arvhq/llmgateway/internal/domain"
	"github.com/google/uuid"
)

// BackendRequest is the body POSTed to https://chatgpt.com/backend-api/conversation.
// Identifiers are generated per request; this proxy persists no conversation
// state, so conversation_id is always empty and parent_message_id is a fresh
// uuid (a new conversation per call).
type BackendRequest struct {
	Action          string           `json:"action"`
	Messages        []BackendMessage `json:"messages"`
	Model           string           `json:"model"`
	ParentMessageID string           `json:"parent_message_id"`
	ConversationID  string           `json:"conversation_id,omitempty"`
}

type BackendMessage struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content BackendContent `json:"content"`
}

type BackendContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

// ToBackendRequest builds the ChatGPT-web backend request shape. It drops
// tool-role messages (no tool concept on this backend) with no diagnostic
// beyond what the caller chooses to log.
func ToBackendRequest(req domain.ChatRequest) BackendRequest {
	out := BackendRequest{
		Action:          "next",
		Model:           req.Model,
		ParentMessageID: uuid.NewString(),
	}
	for _, m := range req.Messages {
		if m.Role == "tool" {
			continue
		}
		out.Messages = append(out.Messages, BackendMessage{
			ID:   "node_" + uuid.NewString(),
			Role: m.Role,
			Content: BackendContent{
				ContentType: "text",
				Parts:       []string{m.Text()},
			},
		})
	}
	return out
}

// backendEvent is the shape of one `data: {...}` frame from the backend SSE.
type backendEvent struct {
	Message *struct {
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
		Status string `json:"status"`
		Author struct {
			Role string `json:"role"`
		} `json:"author"`
		Metadata struct {
			Moderation bool `json:"is_moderation"`
			Internal   bool `json:"is_internal"`
		} `json:"metadata"`
	} `json:"message"`
}

// BackendStreamState accumulates the last-seen cumulative snapshot so
// successive backend frames — which resend the full message so far — can be
// turned into OpenAI-shaped deltas.
type BackendStreamState struct {
	lastText  string
	roleSent  bool
}

func NewBackendStreamState() *BackendStreamState {
	return &BackendStreamState{}
}

// StreamChunkFromBackend parses one raw SSE data payload and returns zero or
// one OpenAI-shaped chunk. The literal "[DONE]" sentinel and malformed JSON
// are both handled by the caller (the sse.Reader already classifies [DONE];
// malformed JSON here returns ok=false, not an error, so a skip-and-continue
// loop can treat it as a logged-and-ignored frame).
func (s *BackendStreamState) StreamChunkFromBackend(raw string, id string, created int64, model string) (domain.StreamChunk, bool) {
	var ev backendEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return domain.StreamChunk{}, false
	}
	if ev.Message == nil {
		return domain.StreamChunk{}, false
	}
	if ev.Message.Metadata.Moderation || ev.Message.Metadata.Internal {
		return domain.StreamChunk{}, false
	}
	if ev.Message.Author.Role != "" && ev.Message.Author.Role != "assistant" {
		return domain.StreamChunk{}, false
	}

	cumulative := strings.Join(ev.Message.Content.Parts, "")
	delta := ""
	if strings.HasPrefix(cumulative, s.lastText) {
		delta = cumulative[len(s.lastText):]
	} else {
		// Snapshot went backward or diverged; treat the whole thing as new
		// content rather than emitting a negative-length diff.
		delta = cumulative
	}
	s.lastText = cumulative

	if delta == "" {
		return domain.StreamChunk{}, false
	}

	respDelta := &domain.ResponseDelta{Content: delta}
	if !s.roleSent {
		respDelta.Role = "assistant"
		s.roleSent = true
	}

	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{{Index: 0, Delta: respDelta, FinishReason: nil}},
	}, true
}

// FinalChunk synthesizes the terminal chunk with an empty delta and the
// given finish reason, used both on an explicit "done" event and when the
// upstream stream ends without one (finish_reason defaults to "stop").
func FinalChunk(id string, created int64, model string, finishReason string) domain.StreamChunk {
	reason := finishReason
	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{{Index: 0, Delta: &domain.ResponseDelta{}, FinishReason: &reason}},
	}
}
