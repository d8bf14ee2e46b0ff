// Package translate implements the stateless OpenAI <-> Gemini,
// OpenAI <-> Anthropic-bridge, and OpenAI <-> ChatGPT-backend request and
// response translation. No function here performs I/O.
package translate

import (
	"strings"

	"github.com/arvhq/llmgateway/internal/domain"
)

// GeminiContent is one entry of a generateContent request's `contents`.
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inlineData,omitempty"`
}

type GeminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type GeminiRequest struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiContent           `json:"system_instruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig  `json:"generationConfig,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// ToGemini translates an OpenAI-shaped chat request into a Gemini
// generateContent request body. System messages are coalesced into
// system_instruction, last one wins if multiple are present.
func ToGemini(req domain.ChatRequest) GeminiRequest {
	out := GeminiRequest{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			sysContent := GeminiContent{Role: "user", Parts: textPartsOf(m)}
			out.SystemInstruction = &sysContent
		case "assistant":
			out.Contents = append(out.Contents, GeminiContent{Role: "model", Parts: textPartsOf(m)})
		default: // user, tool (dropped to text — Gemini has no tool role)
			out.Contents = append(out.Contents, GeminiContent{Role: "user", Parts: textPartsOf(m)})
		}
	}

	cfg := &GeminiGenerationConfig{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences: req.StopSequences(),
	}
	if cfg.Temperature != nil || cfg.TopP != nil || cfg.MaxOutputTokens != nil || len(cfg.StopSequences) > 0 {
		out.GenerationConfig = cfg
	}

	return out
}

func textPartsOf(m domain.Message) []GeminiPart {
	var parts []GeminiPart
	for _, p := range m.Parts() {
		switch p.Type {
		case "text", "":
			if p.Text != "" {
				parts = append(parts, GeminiPart{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL != nil {
				mimeType, data := decodeDataURL(p.ImageURL.URL)
				parts = append(parts, GeminiPart{InlineData: &GeminiInlineData{
					MimeType: mimeType,
					Data:     data,
				}})
			}
		}
	}
	return parts
}

// decodeDataURL splits an OpenAI image_url data URL ("data:image/png;base64,...")
// into the mime type and base64 payload Gemini's inlineData expects. A URL
// that isn't a data URL (e.g. an http(s) link Gemini can't fetch) is passed
// through as the data field with a generic mime type; the adapter has no way
// to fetch and re-encode it.
func decodeDataURL(url string) (mimeType, data string) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "image/jpeg", url
	}
	rest := url[len(prefix):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return "image/jpeg", url
	}
	meta, payload := rest[:comma], rest[comma+1:]
	mimeType = strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return mimeType, payload
}

var geminiFinishReasonMap = map[string]string{
	"STOP":                      "stop",
	"MAX_TOKENS":                "length",
	"SAFETY":                    "content_filter",
	"RECITATION":                "content_filter",
	"OTHER":                     "stop",
	"FINISH_REASON_UNSPECIFIED": "",
}

// MapFinishReason normalizes a Gemini finishReason to the lowercase OpenAI
// vocabulary. An empty return means the OpenAI field should be null.
func MapFinishReason(geminiReason string) string {
	if mapped, ok := geminiFinishReasonMap[geminiReason]; ok {
		return mapped
	}
	return "stop"
}

// FromGemini translates a unary Gemini generateContent response into an
// OpenAI-shaped chat response. id/created/model are caller-supplied since
// Gemini's response carries none of them.
func FromGemini(resp GeminiResponse, id string, created int64, model string) domain.ChatResponse {
	out := domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
	}

	for i, cand := range resp.Candidates {
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
		reason := MapFinishReason(cand.FinishReason)
		var reasonPtr *string
		if reason != "" {
			reasonPtr = &reason
		}
		out.Choices = append(out.Choices, domain.Choice{
			Index:        i,
			Message:      &domain.ResponseMsg{Role: "assistant", Content: text.String()},
			FinishReason: reasonPtr,
		})
	}

	if resp.UsageMetadata != nil {
		out.Usage = &domain.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}

	return out
}

// GeminiStreamState tracks whether the role has already been emitted for a
// choice, so it is only sent on the first chunk per spec.md §4.2.
type GeminiStreamState struct {
	roleSent map[int]bool
}

func NewGeminiStreamState() *GeminiStreamState {
	return &GeminiStreamState{roleSent: make(map[int]bool)}
}

// StreamChunkFromGemini translates one Gemini SSE event into zero or one
// OpenAI-shaped chunk. Empty parts emit no chunk.
func (s *GeminiStreamState) StreamChunkFromGemini(resp GeminiResponse, id string, created int64, model string) (domain.StreamChunk, bool) {
	if len(resp.Candidates) == 0 {
		return domain.StreamChunk{}, false
	}

	cand := resp.Candidates[0]

	var text strings.Builder
	for _, p := range cand.Content.Parts {
		text.WriteString(p.Text)
	}

	hasText := text.Len() > 0
	hasFinish := cand.FinishReason != ""
	if !hasText && !hasFinish {
		return domain.StreamChunk{}, false
	}

	delta := &domain.ResponseDelta{}
	if !s.roleSent[cand.Index] {
		delta.Role = "assistant"
		s.roleSent[cand.Index] = true
	}
	delta.Content = text.String()

	var reasonPtr *string
	if hasFinish {
		reason := MapFinishReason(cand.FinishReason)
		if reason != "" {
			reasonPtr = &reason
		}
		if !hasText {
			delta = &domain.ResponseDelta{} // finish-only event: genuinely empty delta
		}
	}

	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []domain.Choice{{
			Index:        cand.Index,
			Delta:        delta,
			FinishReason: reasonPtr,
		}},
	}, true
}
