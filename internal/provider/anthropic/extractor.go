package anthropic

import (
	"github.com/tidwall/gjson"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/provider/sseutil"
)

const (
	softFrameCap = 32 << 10 // partial SSE frame retention
	hardBodyCap  = 1 << 20  // non-streaming body retention
)

// extractor accumulates usage out-of-band while the pipeline streams the
// body to the client. Streaming responses report usage across message_start
// and message_delta events; non-streaming bodies carry one usage object.
type extractor struct {
	streaming bool
	splitter  *sseutil.FrameSplitter
	body      []byte
	truncated bool
	usage     ccflare.TokenCounts
	model     string
	found     bool
}

// NewUsageExtractor returns a fresh extractor for one response body.
func (a *Adapter) NewUsageExtractor(streaming bool) provider.UsageExtractor {
	e := &extractor{streaming: streaming}
	if streaming {
		e.splitter = sseutil.NewFrameSplitter(softFrameCap)
	}
	return e
}

// Feed consumes the next chunk of the response body.
func (e *extractor) Feed(p []byte) {
	if e.streaming {
		for _, frame := range e.splitter.Push(p) {
			ev, ok := sseutil.ParseFrame(frame)
			if !ok {
				continue
			}
			e.consume(ev.Data)
		}
		return
	}
	if e.truncated {
		return
	}
	if len(e.body)+len(p) > hardBodyCap {
		e.truncated = true
		e.body = nil
		return
	}
	e.body = append(e.body, p...)
}

// consume folds one event payload into the running usage. message_start
// carries input and cache counts plus the model; message_delta carries the
// cumulative output count, so the latest value wins.
func (e *extractor) consume(data []byte) {
	if m := gjson.GetBytes(data, "message.model"); m.Exists() {
		e.model = m.String()
	}
	usage := gjson.GetBytes(data, "message.usage")
	if !usage.Exists() {
		usage = gjson.GetBytes(data, "usage")
	}
	if !usage.Exists() {
		return
	}
	e.found = true
	if v := usage.Get("input_tokens"); v.Exists() {
		e.usage.InputTokens = v.Int()
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		e.usage.OutputTokens = v.Int()
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() {
		e.usage.CacheReadInputTokens = v.Int()
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() {
		e.usage.CacheCreationInputTokens = v.Int()
	}
}

// Result returns accumulated usage, the upstream-reported model, and whether
// any usage was observed.
func (e *extractor) Result() (ccflare.TokenCounts, string, bool) {
	if !e.streaming && len(e.body) > 0 {
		if m := gjson.GetBytes(e.body, "model"); m.Exists() {
			e.model = m.String()
		}
		e.consume(e.body)
		e.body = nil
	}
	u := e.usage
	if e.truncated || (e.splitter != nil && e.splitter.Overflowed()) {
		u.Partial = true
	}
	return u, e.model, e.found
}
