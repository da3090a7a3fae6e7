package openaicompat

import (
	"github.com/tidwall/gjson"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
	"github.com/ccflare/ccflare/internal/provider/sseutil"
)

const (
	softFrameCap = 32 << 10
	hardBodyCap  = 1 << 20
)

// extractor reads usage from the upstream (untranslated) response bytes.
// The wire varies between providers, so the usage object's presence and the
// field layout are checked before any value is trusted.
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
			if !ok || string(ev.Data) == "[DONE]" {
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

// consume probes one chunk for a usage object. Providers that never send
// usage leave found=false and the record carries zero counts.
func (e *extractor) consume(data []byte) {
	if m := gjson.GetBytes(data, "model"); m.Exists() {
		e.model = m.String()
	}
	u := gjson.GetBytes(data, "usage")
	if !u.Exists() || !u.IsObject() {
		return
	}
	pt := u.Get("prompt_tokens")
	ct := u.Get("completion_tokens")
	if !pt.Exists() && !ct.Exists() {
		// Present but not the layout we know; do not guess.
		return
	}
	e.found = true
	cached := u.Get("prompt_tokens_details.cached_tokens").Int()
	input := pt.Int() - cached
	if input < 0 {
		input = 0
	}
	e.usage.InputTokens = input
	e.usage.OutputTokens = ct.Int()
	e.usage.CacheReadInputTokens = cached
}

// Result returns accumulated usage, the upstream-reported model, and whether
// any usage was observed.
func (e *extractor) Result() (ccflare.TokenCounts, string, bool) {
	if !e.streaming && len(e.body) > 0 {
		e.consume(e.body)
		e.body = nil
	}
	u := e.usage
	if e.truncated || (e.splitter != nil && e.splitter.Overflowed()) {
		u.Partial = true
	}
	return u, e.model, e.found
}
