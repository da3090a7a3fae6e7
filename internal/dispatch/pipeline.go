package dispatch

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	ccflare "github.com/ccflare/ccflare/internal"
	"github.com/ccflare/ccflare/internal/provider"
)

// pipeChunk is the read granularity for the upstream body tee.
const pipeChunk = 32 << 10

// payloadBodyCap bounds response bytes retained for the payload archive.
const payloadBodyCap = 256 << 10

// pipeResult is the outcome of streaming one upstream response to the client.
type pipeResult struct {
	tokens      ccflare.TokenCounts
	model       string
	usageFound  bool
	written     int64
	clientGone  bool
	upstreamErr error
	captured    []byte // response bytes for the payload archive, capped
}

// pipe tees the upstream body to the client while feeding the provider's
// usage extractor out of band. Adapters that translate the wire shape get a
// per-response translator; the extractor always sees raw upstream bytes.
func (d *Dispatcher) pipe(w http.ResponseWriter, resp *http.Response, p provider.Provider, in *provider.InboundRequest) pipeResult {
	defer resp.Body.Close()

	streaming := in.Stream ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")

	extractor := p.NewUsageExtractor(streaming)
	var tr provider.Translator
	if rt, ok := p.(provider.ResponseTranslator); ok {
		tr = rt.NewTranslator(streaming)
	}

	hdr := w.Header()
	provider.CopyResponseHeaders(hdr, resp.Header)
	if tr != nil {
		// The translated body has a different length and shape.
		hdr.Del("Content-Length")
		if !streaming {
			hdr.Set("Content-Type", "application/json")
		}
	}
	w.WriteHeader(resp.StatusCode)

	rc := http.NewResponseController(w)
	capture := d.opts.CapturePayloads

	var res pipeResult
	buf := make([]byte, pipeChunk)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			extractor.Feed(chunk)
			if capture && len(res.captured) < payloadBodyCap {
				res.captured = append(res.captured, chunk[:min(n, payloadBodyCap-len(res.captured))]...)
			}

			out := chunk
			if tr != nil {
				var terr error
				out, terr = tr.Transform(chunk)
				if terr != nil {
					res.upstreamErr = terr
					break
				}
			}
			if len(out) > 0 {
				wn, werr := w.Write(out)
				res.written += int64(wn)
				if werr != nil {
					res.clientGone = true
					break
				}
				if streaming {
					_ = rc.Flush()
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				res.upstreamErr = rerr
				break
			}
			if tr != nil {
				if out, ferr := tr.Flush(); ferr == nil && len(out) > 0 {
					wn, werr := w.Write(out)
					res.written += int64(wn)
					if werr != nil {
						res.clientGone = true
					} else if streaming {
						_ = rc.Flush()
					}
				}
			}
			break
		}
	}

	res.tokens, res.model, res.usageFound = extractor.Result()
	return res
}

// buildPayload assembles the opt-in request/response archive document.
func buildPayload(rec *ccflare.RequestRecord, in *provider.InboundRequest, resp *http.Response, res pipeResult) ccflare.RequestPayload {
	var doc ccflare.PayloadDoc
	doc.Request.Headers = flattenHeaders(in.Header)
	doc.Request.Body = string(in.Body)
	doc.Response.Status = resp.StatusCode
	doc.Response.Headers = flattenHeaders(resp.Header)
	doc.Response.Body = string(res.captured)
	if rec.ErrorMessage != "" {
		doc.Error = rec.ErrorMessage
	}
	doc.Meta.AccountID = rec.AccountUsed
	doc.Meta.Retry = rec.FailoverAttempts
	doc.Meta.Timestamp = rec.Timestamp
	doc.Meta.Success = rec.Success
	doc.Meta.RateLimited = resp.StatusCode == http.StatusTooManyRequests
	doc.Meta.AccountsAttempted = rec.FailoverAttempts + 1

	blob, err := json.Marshal(&doc)
	if err != nil {
		return ccflare.RequestPayload{ID: rec.ID, JSON: []byte(`{}`)}
	}
	return ccflare.RequestPayload{ID: rec.ID, JSON: blob}
}

// flattenHeaders keeps the first value per header, with credentials redacted.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		lower := strings.ToLower(k)
		if lower == "authorization" || lower == "x-api-key" {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v[0]
	}
	return out
}
