// Package collab implements the gateway's multi-provider collaboration
// modes: Council, Collaborate, Race, MetaJudge, Discuss, and Fallback. Each
// mode fans a set of fully-formed upstream requests out through the C7 proxy
// engine and combines the results per its own semantics.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	gateway "github.com/driftgate/gateway/internal"
)

// Mode identifies a collaboration strategy.
type Mode string

const (
	ModeCouncil     Mode = "council"
	ModeCollaborate Mode = "collaborate"
	ModeRace        Mode = "race"
	ModeMetaJudge   Mode = "meta_judge"
	ModeDiscuss     Mode = "discuss"
	ModeFallback    Mode = "fallback"
)

// perCallTimeout bounds each individual upstream call in a collaboration
// run. Intentionally shorter than C7's 120s attempt timeout: collaboration
// is latency-sensitive, a single slow candidate shouldn't stall the group.
const perCallTimeout = 15 * time.Second

// raceSafetyTimeout bounds how long Race waits for any candidate to win
// before resolving empty.
const raceSafetyTimeout = 16 * time.Second

const (
	defaultJudgeModel = "gpt-4"
	judgeSystemPrompt = "You are a fair and critical evaluator."
)

// Forwarder is the narrow capability Coordinator needs from the proxy
// engine: resolve a provider, forward the request, and write the response
// to w. Declared here (rather than depending on *proxy.Engine directly) so
// collab can be tested against a fake without wiring the whole dataplane.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, endpoint string, user *gateway.User, apiKey string, body []byte) error
}

// CallRequest is one fully-formed upstream request, already bound to a model.
type CallRequest struct {
	Endpoint string
	Body     []byte
}

// CallResult is the outcome of forwarding one CallRequest.
type CallResult struct {
	Success bool   `json:"success"`
	Model   string `json:"model,omitempty"`
	Output  string `json:"output,omitempty"` // choices[0].message.content on success
	Raw     []byte `json:"-"`
	Error   string `json:"error,omitempty"`
}

// Result is the aggregate output of a collaboration run, shaped per
// spec.md §4.8: {merged, results, mergedText?, judgeOutput?}.
type Result struct {
	Merged      bool         `json:"merged"`
	Results     []CallResult `json:"results"`
	MergedText  string       `json:"mergedText,omitempty"`
	JudgeOutput string       `json:"judgeOutput,omitempty"`
}

// Coordinator runs collaboration modes over a Forwarder.
type Coordinator struct {
	forwarder Forwarder
}

// New returns a Coordinator backed by fwd.
func New(fwd Forwarder) *Coordinator {
	return &Coordinator{forwarder: fwd}
}

// Run executes calls under the named mode and returns the combined result.
func (c *Coordinator) Run(ctx context.Context, mode Mode, user *gateway.User, apiKey string, calls []CallRequest) (Result, error) {
	switch mode {
	case ModeCouncil:
		return c.council(ctx, user, apiKey, calls), nil
	case ModeCollaborate:
		return c.collaborate(ctx, user, apiKey, calls), nil
	case ModeRace:
		return c.race(ctx, user, apiKey, calls), nil
	case ModeMetaJudge:
		return c.metaJudge(ctx, user, apiKey, calls)
	case ModeDiscuss:
		return c.discuss(ctx, user, apiKey, calls)
	case ModeFallback:
		return c.fallback(ctx, user, apiKey, calls), nil
	default:
		return Result{}, fmt.Errorf("collab: unknown mode %q", mode)
	}
}

// call forwards one request under its own perCallTimeout and extracts the
// first choice's message content from a successful response.
func (c *Coordinator) call(ctx context.Context, user *gateway.User, apiKey string, cr CallRequest) CallResult {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	model := gjson.GetBytes(cr.Body, "model").String()
	rec := newBufferRecorder()
	if err := c.forwarder.Forward(callCtx, rec, cr.Endpoint, user, apiKey, cr.Body); err != nil {
		return CallResult{Model: model, Error: err.Error()}
	}
	raw := rec.body
	content := gjson.GetBytes(raw, "choices.0.message.content").String()
	return CallResult{Success: true, Model: model, Output: content, Raw: raw}
}

// fanOut runs every call concurrently under a shared errgroup scope, each
// on its own context derived from ctx. A per-call failure is captured in
// its CallResult, not propagated as a group error -- one slow or failing
// candidate must never cancel its siblings.
func (c *Coordinator) fanOut(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) []CallResult {
	results := make([]CallResult, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, cr := range calls {
		g.Go(func() error {
			results[i] = c.call(gctx, user, apiKey, cr)
			return nil
		})
	}
	g.Wait()
	return results
}

// council fans out in parallel and returns every result separately.
func (c *Coordinator) council(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) Result {
	return Result{Results: c.fanOut(ctx, user, apiKey, calls)}
}

// collaborate fans out in parallel and concatenates successful outputs.
func (c *Coordinator) collaborate(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) Result {
	results := c.fanOut(ctx, user, apiKey, calls)
	var parts []string
	for _, r := range results {
		if r.Success {
			parts = append(parts, r.Output)
		}
	}
	return Result{Merged: true, Results: results, MergedText: strings.Join(parts, "\n---\n")}
}

// race fans out in parallel and resolves with the first success; a 16s
// safety timeout resolves empty. Cancelling ctx on return releases every
// still-running candidate's derived context.
func (c *Coordinator) race(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) Result {
	ctx, cancel := context.WithTimeout(ctx, raceSafetyTimeout)
	defer cancel()

	resultCh := make(chan CallResult, len(calls))
	for _, cr := range calls {
		go func(cr CallRequest) {
			resultCh <- c.call(ctx, user, apiKey, cr)
		}(cr)
	}

	remaining := len(calls)
	for remaining > 0 {
		select {
		case res := <-resultCh:
			remaining--
			if res.Success {
				return Result{Results: []CallResult{res}}
			}
		case <-ctx.Done():
			return Result{}
		}
	}
	return Result{}
}

// metaJudge fans out, and on at least one success sends the concatenated
// candidates to a judge model for a single dependent call.
func (c *Coordinator) metaJudge(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) (Result, error) {
	results := c.fanOut(ctx, user, apiKey, calls)
	successes := successesOf(results)
	if len(successes) == 0 {
		return Result{Results: results}, nil
	}

	judgeBody, endpoint, err := buildJudgeRequest(calls, successes)
	if err != nil {
		return Result{Results: results}, fmt.Errorf("collab: build judge request: %w", err)
	}
	judge := c.call(ctx, user, apiKey, CallRequest{Endpoint: endpoint, Body: judgeBody})
	return Result{Results: results, JudgeOutput: judge.Output}, nil
}

// discuss runs sequentially: each call after the first sees the previous
// winner's content appended as a refinement request. The final output is
// the last successful call's content.
func (c *Coordinator) discuss(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) (Result, error) {
	var results []CallResult
	var prev string
	for i, cr := range calls {
		body := cr.Body
		if i > 0 && prev != "" {
			refined, err := appendUserMessage(cr.Body, "Refine the following:\n"+prev)
			if err != nil {
				return Result{Results: results}, fmt.Errorf("collab: refine request %d: %w", i, err)
			}
			body = refined
		}
		res := c.call(ctx, user, apiKey, CallRequest{Endpoint: cr.Endpoint, Body: body})
		results = append(results, res)
		if res.Success {
			prev = res.Output
		}
	}
	return Result{Results: results, MergedText: prev}, nil
}

// fallback runs sequentially; the first success returns, all-fail returns empty.
func (c *Coordinator) fallback(ctx context.Context, user *gateway.User, apiKey string, calls []CallRequest) Result {
	var results []CallResult
	for _, cr := range calls {
		res := c.call(ctx, user, apiKey, cr)
		results = append(results, res)
		if res.Success {
			return Result{Results: results, MergedText: res.Output}
		}
	}
	return Result{Results: results}
}

func successesOf(results []CallResult) []CallResult {
	var out []CallResult
	for _, r := range results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// buildJudgeRequest composes the fixed-system-prompt judge call over every
// successful candidate's output.
func buildJudgeRequest(calls []CallRequest, successes []CallResult) (body []byte, endpoint string, err error) {
	var sb strings.Builder
	for i, r := range successes {
		fmt.Fprintf(&sb, "Candidate %d (%s):\n%s\n\n", i+1, r.Model, r.Output)
	}

	systemContent, err := json.Marshal(judgeSystemPrompt)
	if err != nil {
		return nil, "", err
	}
	userContent, err := json.Marshal(sb.String())
	if err != nil {
		return nil, "", err
	}

	req := gateway.ChatRequest{
		Model: defaultJudgeModel,
		Messages: []gateway.Message{
			{Role: "system", Content: systemContent},
			{Role: "user", Content: userContent},
		},
	}
	body, err = json.Marshal(req)
	if len(calls) > 0 {
		endpoint = calls[0].Endpoint
	}
	return body, endpoint, err
}

// appendUserMessage decodes body as a chat request and appends a new user
// message carrying content, re-encoding the result.
func appendUserMessage(body []byte, content string) ([]byte, error) {
	var req gateway.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	req.Messages = append(req.Messages, gateway.Message{Role: "user", Content: encoded})
	return json.Marshal(req)
}

// bufferRecorder is a minimal http.ResponseWriter that captures a forwarded
// response in memory instead of writing to a real client connection, so
// Coordinator can inspect a candidate's body before deciding how to combine
// it with the others.
type bufferRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   []byte
	status int
}

func newBufferRecorder() *bufferRecorder {
	return &bufferRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *bufferRecorder) Header() http.Header { return r.header }

func (r *bufferRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = append(r.body, b...)
	return len(b), nil
}

func (r *bufferRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Flush is a no-op; it satisfies http.Flusher so the proxy engine's SSE
// path does not panic on a type assertion against this recorder.
func (r *bufferRecorder) Flush() {}
