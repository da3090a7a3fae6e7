package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []chatMessage   `json:"messages"`
	MaxTokens     *int64          `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	Stop          json.RawMessage `json:"stop,omitempty"`
	Tools         []chatTool      `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// translateRequest converts an Anthropic Messages API body into a chat
// completions body for the given (already mapped) upstream model.
func translateRequest(body []byte, model string) ([]byte, error) {
	src := gjson.ParseBytes(body)
	if !src.IsObject() {
		return nil, fmt.Errorf("request body is not a JSON object")
	}

	out := chatRequest{Model: model, Stream: src.Get("stream").Bool()}
	if out.Stream {
		// Usage arrives in a trailing chunk only when asked for.
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if v := src.Get("max_tokens"); v.Exists() {
		n := v.Int()
		out.MaxTokens = &n
	}
	if v := src.Get("temperature"); v.Exists() {
		f := v.Float()
		out.Temperature = &f
	}
	if v := src.Get("top_p"); v.Exists() {
		f := v.Float()
		out.TopP = &f
	}
	if v := src.Get("stop_sequences"); v.Exists() {
		out.Stop = json.RawMessage(v.Raw)
	}

	if sys := src.Get("system"); sys.Exists() {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: flattenContent(sys)})
	}

	var err error
	src.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		translated, convErr := translateMessage(msg)
		if convErr != nil {
			err = convErr
			return false
		}
		out.Messages = append(out.Messages, translated...)
		return true
	})
	if err != nil {
		return nil, err
	}

	src.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Get("name").String(),
				Description: tool.Get("description").String(),
				Parameters:  json.RawMessage(tool.Get("input_schema").Raw),
			},
		})
		return true
	})

	return json.Marshal(out)
}

// translateMessage converts one Anthropic message. Tool results split into
// separate role:"tool" messages; tool_use blocks become tool_calls on the
// assistant message.
func translateMessage(msg gjson.Result) ([]chatMessage, error) {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		return []chatMessage{{Role: role, Content: content.String()}}, nil
	}
	if !content.IsArray() {
		return nil, fmt.Errorf("message content is neither string nor array")
	}

	var text strings.Builder
	var toolCalls []map[string]any
	var out []chatMessage

	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "tool_use":
			toolCalls = append(toolCalls, map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": block.Get("input").Raw,
				},
			})
		case "tool_result":
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: block.Get("tool_use_id").String(),
				Content:    flattenContent(block.Get("content")),
			})
		}
		return true
	})

	if text.Len() > 0 || len(toolCalls) > 0 {
		m := chatMessage{Role: role, Content: text.String()}
		if len(toolCalls) > 0 {
			tc, _ := json.Marshal(toolCalls)
			m.ToolCalls = tc
		}
		// Tool calls precede their results in the conversation.
		out = append([]chatMessage{m}, out...)
	}
	return out, nil
}

// flattenContent reduces a string-or-blocks content value to plain text.
func flattenContent(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.String()
	}
	var sb strings.Builder
	v.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// translateResponse converts a non-streaming chat completions JSON body into
// an Anthropic Messages API response.
func translateResponse(data []byte) ([]byte, error) {
	src := gjson.ParseBytes(data)
	if src.Get("error").Exists() {
		return translateError(src), nil
	}

	choice := src.Get("choices.0")
	var content []map[string]any

	if text := choice.Get("message.content"); text.Exists() && text.String() != "" {
		content = append(content, map[string]any{"type": "text", "text": text.String()})
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		var input any = map[string]any{}
		if args := tc.Get("function.arguments").String(); args != "" {
			var parsed any
			if json.Unmarshal([]byte(args), &parsed) == nil {
				input = parsed
			}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": input,
		})
		return true
	})
	if content == nil {
		content = []map[string]any{}
	}

	out := map[string]any{
		"id":          src.Get("id").String(),
		"type":        "message",
		"role":        "assistant",
		"model":       src.Get("model").String(),
		"content":     content,
		"stop_reason": mapFinishReason(choice.Get("finish_reason").String()),
		"usage":       translateUsage(src.Get("usage")),
	}
	return json.Marshal(out)
}

// translateError maps an upstream error body to the Anthropic error shape.
func translateError(src gjson.Result) []byte {
	b, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "api_error",
			"message": src.Get("error.message").String(),
		},
	})
	return b
}

// translateUsage converts an OpenAI usage object. Cached prompt tokens are
// reported inside prompt_tokens, so they are subtracted back out.
func translateUsage(u gjson.Result) map[string]any {
	cached := u.Get("prompt_tokens_details.cached_tokens").Int()
	input := u.Get("prompt_tokens").Int() - cached
	if input < 0 {
		input = 0
	}
	return map[string]any{
		"input_tokens":                input,
		"output_tokens":               u.Get("completion_tokens").Int(),
		"cache_read_input_tokens":     cached,
		"cache_creation_input_tokens": 0,
	}
}

// mapFinishReason converts OpenAI finish reasons to Anthropic stop reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "":
		return "end_turn"
	default:
		return reason
	}
}
