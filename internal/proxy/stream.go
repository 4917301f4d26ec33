package proxy

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/driftgate/gateway/internal/provider/sseutil"
)

// streamResult summarizes what happened while piping an SSE response.
type streamResult struct {
	chars  int // accumulated choices[*].delta.content length
	tokens int // final ⌈chars/4⌉ estimate, set once the stream ends
	err    error
}

// pipeSSE forwards resp's body verbatim to w, stripping hop-by-hop headers
// and setting the headers an SSE consumer expects. It concurrently parses
// each frame to accumulate the streamed content length for token billing.
func pipeSSE(ctx context.Context, w http.ResponseWriter, resp *http.Response) streamResult {
	header := w.Header()
	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	// Read raw line fragments (including whatever line ending the upstream
	// sent) rather than through sseutil.NewScanner's bufio.Scanner, whose
	// ScanLines split function strips and normalizes CRLF to LF. Byte-
	// verbatim passthrough to the client requires writing exactly what
	// ReadBytes returns; parsing for usage accounting works the same
	// either way once the line ending is trimmed off for that purpose.
	ch := make(chan []byte, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		reader := bufio.NewReaderSize(resp.Body, 4096)
		for {
			raw, err := reader.ReadBytes('\n')
			if len(raw) > 0 {
				select {
				case ch <- raw:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					errCh <- err
				}
				return
			}
		}
	}()

	var result streamResult
	for raw := range ch {
		if _, err := w.Write(raw); err != nil {
			result.err = err
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
		accumulateDelta(&result, trimLineEnding(raw))
	}
	select {
	case err := <-errCh:
		if result.err == nil {
			result.err = err
		}
	default:
	}

	result.tokens = ceilDiv(result.chars, 4)
	return result
}

// trimLineEnding strips a trailing "\n" or "\r\n" from a raw line fragment
// for parsing, without touching the bytes already written to the client.
func trimLineEnding(raw []byte) string {
	s := strings.TrimSuffix(string(raw), "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}

// accumulateDelta parses one SSE line and, if it carries a chat completion
// chunk, adds the length of every choice's delta content to result.chars.
// The "[DONE]" terminator and non-data lines are ignored.
func accumulateDelta(result *streamResult, line string) {
	_, data, ok := sseutil.ParseSSELine(line)
	if !ok || data == "[DONE]" || data == "" || !gjson.Valid(data) {
		return
	}
	for _, choice := range gjson.Get(data, "choices").Array() {
		if content := choice.Get("delta.content"); content.Exists() {
			result.chars += len(content.String())
		}
	}
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if http.CanonicalHeaderKey(key) == http.CanonicalHeaderKey(h) {
			return true
		}
	}
	return false
}

// drainBody reads and discards resp.Body so the underlying connection can
// be reused, and returns the bytes read (used for buffered, non-SSE
// responses where the caller needs the full body anyway).
func drainBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
