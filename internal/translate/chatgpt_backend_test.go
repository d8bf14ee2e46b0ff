package translate

import (
	"testing"

	"github.com/arvhq/llmgateway/internal/domain"
)

func TestToBackendRequest_DropsToolMessages(t *testing.T) {
	req := domain.ChatRequest{
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: "user", RawContent: "hi"},
			{Role: "tool", RawContent: "result", ToolCallID: "call_1"},
		},
	}

	out := ToBackendRequest(req)

	if len(out.Messages) != 1 {
		t.Fatalf("expected the tool message to be dropped, got %+v", out.Messages)
	}
	if out.Messages[0].Content.Parts[0] != "hi" {
		t.Errorf("unexpected content: %+v", out.Messages[0].Content)
	}
	if out.ParentMessageID == "" {
		t.Error("expected a generated parent message id")
	}
	if out.ConversationID != "" {
		t.Error("expected no conversation id for a fresh conversation")
	}
}

func TestStreamChunkFromBackend_DiffsCumulativeSnapshots(t *testing.T) {
	state := NewBackendStreamState()

	first, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["Hello"]},"status":"in_progress","author":{"role":"assistant"}}}`,
		"id", 1, "gpt-4o")
	if !ok {
		t.Fatal("expected a chunk from the first frame")
	}
	if first.Choices[0].Delta.Content != "Hello" || first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("expected full text and role on first delta, got %+v", first.Choices[0].Delta)
	}

	second, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["Hello world"]},"status":"in_progress","author":{"role":"assistant"}}}`,
		"id", 1, "gpt-4o")
	if !ok {
		t.Fatal("expected a chunk from the second frame")
	}
	if second.Choices[0].Delta.Content != " world" {
		t.Errorf("expected only the new suffix as delta, got %q", second.Choices[0].Delta.Content)
	}
	if second.Choices[0].Delta.Role != "" {
		t.Error("role must only be sent once")
	}
}

func TestStreamChunkFromBackend_DivergentSnapshotEmitsWholeText(t *testing.T) {
	state := NewBackendStreamState()
	state.lastText = "some previous text"

	chunk, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["unrelated"]},"author":{"role":"assistant"}}}`,
		"id", 1, "gpt-4o")
	if !ok {
		t.Fatal("expected a chunk")
	}
	if chunk.Choices[0].Delta.Content != "unrelated" {
		t.Errorf("expected the full divergent text, got %q", chunk.Choices[0].Delta.Content)
	}
}

func TestStreamChunkFromBackend_SkipsModerationAndInternalFrames(t *testing.T) {
	state := NewBackendStreamState()

	if _, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["x"]},"metadata":{"is_moderation":true},"author":{"role":"assistant"}}}`,
		"id", 1, "m"); ok {
		t.Error("expected a moderation frame to be skipped")
	}
	if _, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["x"]},"metadata":{"is_internal":true},"author":{"role":"assistant"}}}`,
		"id", 1, "m"); ok {
		t.Error("expected an internal frame to be skipped")
	}
}

func TestStreamChunkFromBackend_SkipsNonAssistantAuthor(t *testing.T) {
	state := NewBackendStreamState()
	if _, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["x"]},"author":{"role":"user"}}}`,
		"id", 1, "m"); ok {
		t.Error("expected a non-assistant frame to be skipped")
	}
}

func TestStreamChunkFromBackend_MalformedJSONReturnsNotOK(t *testing.T) {
	state := NewBackendStreamState()
	if _, ok := state.StreamChunkFromBackend(`not json`, "id", 1, "m"); ok {
		t.Error("expected malformed JSON to be skipped, not errored")
	}
}

func TestStreamChunkFromBackend_NoDeltaEmitsNothing(t *testing.T) {
	state := NewBackendStreamState()
	state.lastText = "same"
	if _, ok := state.StreamChunkFromBackend(
		`{"message":{"content":{"parts":["same"]},"author":{"role":"assistant"}}}`,
		"id", 1, "m"); ok {
		t.Error("expected no chunk when the cumulative text hasn't grown")
	}
}

func TestFinalChunk_CarriesFinishReasonWithEmptyDelta(t *testing.T) {
	chunk := FinalChunk("id", 42, "gpt-4o", "stop")

	if chunk.Choices[0].Delta.Content != "" {
		t.Errorf("expected an empty delta, got %q", chunk.Choices[0].Delta.Content)
	}
	if chunk.Choices[0].FinishReason == nil || *chunk.Choices[0].FinishReason != "stop" {
		t.Errorf("expected the given finish reason, got %+v", chunk.Choices[0].FinishReason)
	}
	if chunk.Created != 42 {
		t.Errorf("expected created to carry through, got %d", chunk.Created)
	}
}
