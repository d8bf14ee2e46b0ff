package anthropicbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arvhq/llmgateway/internal/domain"
)

func TestChatCompletionStream_ForwardsChunksUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"x\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"},\"finish_reason\":null}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New(srv.URL)
	chunks, errs := p.ChatCompletionStream(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []domain.Message{{Role: "user", RawContent: "hello"}},
	})

	var got []domain.StreamChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(got))
	}
	if got[0].Choices[0].Delta.Content != "hi" {
		t.Errorf("unexpected chunk content: %+v", got[0])
	}
}

func TestChatCompletion_AggregatesStreamIntoUnaryResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"x\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hel\"}}]}\n\n"))
		w.Write([]byte("data: {\"id\":\"x\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New(srv.URL)
	resp, err := p.ChatCompletion(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []domain.Message{{Role: "user", RawContent: "hello"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion() error: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("expected aggregated content %q, got %q", "hello", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason == nil || *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason stop, got %+v", resp.Choices[0].FinishReason)
	}
}

func TestChatCompletionStream_MapsNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := New(srv.URL)
	chunks, errs := p.ChatCompletionStream(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-latest",
		Messages: []domain.Message{{Role: "user", RawContent: "hello"}},
	})
	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected an error for a 502 upstream")
	}
}
