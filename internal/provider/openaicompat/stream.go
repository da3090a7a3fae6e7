package openaicompat

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/provider/sseutil"
)

const maxPendingFrame = 256 << 10 // partial upstream frame retention

// NewTranslator returns a per-response translator converting the upstream
// wire back to the Anthropic event shape.
func (a *Adapter) NewTranslator(streaming bool) provider.Translator {
	if streaming {
		return &streamTranslator{splitter: sseutil.NewFrameSplitter(maxPendingFrame)}
	}
	return &bodyTranslator{}
}

// bodyTranslator buffers a non-streaming body and translates it whole.
type bodyTranslator struct {
	buf bytes.Buffer
}

func (t *bodyTranslator) Transform(p []byte) ([]byte, error) {
	t.buf.Write(p)
	return nil, nil
}

func (t *bodyTranslator) Flush() ([]byte, error) {
	return translateResponse(t.buf.Bytes())
}

// streamTranslator converts chat completion chunks into the Anthropic event
// sequence: message_start, content_block_start/delta/stop per block,
// message_delta with stop reason and usage, message_stop. The upstream sends
// finish and usage chunks before [DONE], so the trailing events are held
// until the sentinel arrives.
type streamTranslator struct {
	splitter *sseutil.FrameSplitter

	started    bool
	textOpen   bool
	toolOpen   bool
	blockIndex int
	id         string
	model      string
	stopReason string
	usage      gjson.Result
	done       bool
}

func (t *streamTranslator) Transform(p []byte) ([]byte, error) {
	var out bytes.Buffer
	for _, frame := range t.splitter.Push(p) {
		ev, ok := sseutil.ParseFrame(frame)
		if !ok {
			continue
		}
		if err := t.handleData(&out, ev.Data); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func (t *streamTranslator) Flush() ([]byte, error) {
	var out bytes.Buffer
	// An upstream that closed without [DONE] still gets a terminated stream.
	if t.started && !t.done {
		t.finish(&out)
	}
	return out.Bytes(), nil
}

func (t *streamTranslator) handleData(out *bytes.Buffer, data []byte) error {
	if string(data) == "[DONE]" {
		if t.started && !t.done {
			t.finish(out)
		}
		return nil
	}

	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return fmt.Errorf("openaicompat: malformed stream chunk")
	}

	if !t.started {
		t.started = true
		t.id = r.Get("id").String()
		t.model = r.Get("model").String()
		writeEvent(out, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      t.id,
				"type":    "message",
				"role":    "assistant",
				"model":   t.model,
				"content": []any{},
				"usage":   map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})
	}

	if u := r.Get("usage"); u.Exists() && u.IsObject() {
		t.usage = u
	}

	choice := r.Get("choices.0")
	if !choice.Exists() {
		return nil
	}

	if text := choice.Get("delta.content"); text.Exists() && text.String() != "" {
		if !t.textOpen {
			t.closeBlock(out)
			t.textOpen = true
			writeEvent(out, "content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         t.blockIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
		}
		writeEvent(out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": text.String()},
		})
	}

	choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		if name := tc.Get("function.name"); name.Exists() {
			t.closeBlock(out)
			t.toolOpen = true
			writeEvent(out, "content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": t.blockIndex,
				"content_block": map[string]any{
					"type": "tool_use",
					"id":   tc.Get("id").String(),
					"name": name.String(),
				},
			})
		}
		if args := tc.Get("function.arguments"); args.Exists() && args.String() != "" {
			writeEvent(out, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": t.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": args.String()},
			})
		}
		return true
	})

	if fr := choice.Get("finish_reason"); fr.Exists() && fr.String() != "" {
		t.stopReason = fr.String()
	}
	return nil
}

// closeBlock emits content_block_stop for any open block and advances the
// block index.
func (t *streamTranslator) closeBlock(out *bytes.Buffer) {
	if !t.textOpen && !t.toolOpen {
		return
	}
	writeEvent(out, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.blockIndex,
	})
	t.textOpen = false
	t.toolOpen = false
	t.blockIndex++
}

func (t *streamTranslator) finish(out *bytes.Buffer) {
	t.done = true
	t.closeBlock(out)
	writeEvent(out, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": mapFinishReason(t.stopReason)},
		"usage": translateUsage(t.usage),
	})
	writeEvent(out, "message_stop", map[string]any{"type": "message_stop"})
}

// writeEvent appends one Anthropic-shaped SSE frame.
func writeEvent(out *bytes.Buffer, name string, payload map[string]any) {
	b, _ := json.Marshal(payload)
	out.WriteString("event: ")
	out.WriteString(name)
	out.WriteString("\ndata: ")
	out.Write(b)
	out.WriteString("\n\n")
}
