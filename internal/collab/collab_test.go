package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/driftgate/gateway/internal"
)

// fakeForwarder replies per-model from a fixed table, simulating upstream
// success/failure/latency without touching any real dataplane component.
type fakeForwarder struct {
	calls   atomic.Int32
	byModel map[string]fakeReply
}

type fakeReply struct {
	content string
	err     error
	delay   time.Duration
}

func (f *fakeForwarder) Forward(ctx context.Context, w http.ResponseWriter, endpoint string, user *gateway.User, apiKey string, body []byte) error {
	f.calls.Add(1)
	var req gateway.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return err
	}
	reply, ok := f.byModel[req.Model]
	if !ok {
		return fmt.Errorf("no fake reply for model %q", req.Model)
	}
	if reply.delay > 0 {
		select {
		case <-time.After(reply.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if reply.err != nil {
		return reply.err
	}
	resp := gateway.ChatResponse{
		Model: req.Model,
		Choices: []gateway.Choice{{
			Message: gateway.Message{Role: "assistant", Content: mustJSON(reply.content)},
		}},
	}
	data, _ := json.Marshal(resp)
	w.Write(data)
	return nil
}

func mustJSON(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func requestFor(model string) CallRequest {
	body, _ := json.Marshal(gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{{Role: "user", Content: mustJSON("hello")}},
	})
	return CallRequest{Endpoint: "/v1/chat/completions", Body: body}
}

func TestCouncil_ReturnsOneResultPerRequest(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {content: "alpha"},
		"b": {content: "beta"},
		"c": {err: fmt.Errorf("boom")},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeCouncil, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"), requestFor("c"),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	require.True(t, res.Results[0].Success)
	require.Equal(t, "alpha", res.Results[0].Output)
	require.True(t, res.Results[1].Success)
	require.False(t, res.Results[2].Success)
}

func TestCollaborate_ConcatenatesSuccesses(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {content: "alpha"},
		"b": {err: fmt.Errorf("down")},
		"c": {content: "gamma"},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeCollaborate, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"), requestFor("c"),
	})
	require.NoError(t, err)
	require.True(t, res.Merged)
	require.Equal(t, "alpha\n---\ngamma", res.MergedText)
}

func TestRace_ReturnsExactlyOneResult(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"slow": {content: "tortoise", delay: 200 * time.Millisecond},
		"fast": {content: "hare", delay: 10 * time.Millisecond},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeRace, nil, "key", []CallRequest{
		requestFor("slow"), requestFor("fast"),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "hare", res.Results[0].Output)
}

func TestRace_AllFailResolvesEmpty(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {err: fmt.Errorf("down")},
		"b": {err: fmt.Errorf("down")},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeRace, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"),
	})
	require.NoError(t, err)
	require.Empty(t, res.Results)
}

func TestMetaJudge_SendsJudgeCallOverSuccesses(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a":                 {content: "alpha"},
		"b":                 {content: "beta"},
		defaultJudgeModel:   {content: "alpha wins"},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeMetaJudge, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	require.Equal(t, "alpha wins", res.JudgeOutput)
	require.EqualValues(t, 3, fwd.calls.Load()) // 2 candidates + 1 judge call
}

func TestMetaJudge_NoSuccessesSkipsJudge(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {err: fmt.Errorf("down")},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeMetaJudge, nil, "key", []CallRequest{requestFor("a")})
	require.NoError(t, err)
	require.Empty(t, res.JudgeOutput)
	require.EqualValues(t, 1, fwd.calls.Load())
}

func TestDiscuss_RefinesSequentially(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {content: "draft one"},
		"b": {content: "draft two, refined"},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeDiscuss, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"),
	})
	require.NoError(t, err)
	require.Equal(t, "draft two, refined", res.MergedText)
	require.Len(t, res.Results, 2)
}

func TestFallback_FirstSuccessWins(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {err: fmt.Errorf("down")},
		"b": {content: "recovered"},
		"c": {content: "never reached"},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeFallback, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"), requestFor("c"),
	})
	require.NoError(t, err)
	require.Equal(t, "recovered", res.MergedText)
	require.Len(t, res.Results, 2) // stopped after the second call succeeded
}

func TestFallback_AllFailReturnsEmpty(t *testing.T) {
	t.Parallel()
	fwd := &fakeForwarder{byModel: map[string]fakeReply{
		"a": {err: fmt.Errorf("down")},
		"b": {err: fmt.Errorf("down")},
	}}
	c := New(fwd)

	res, err := c.Run(context.Background(), ModeFallback, nil, "key", []CallRequest{
		requestFor("a"), requestFor("b"),
	})
	require.NoError(t, err)
	require.Empty(t, res.MergedText)
	require.Len(t, res.Results, 2)
}

func TestRun_UnknownModeErrors(t *testing.T) {
	t.Parallel()
	c := New(&fakeForwarder{byModel: map[string]fakeReply{}})
	_, err := c.Run(context.Background(), Mode("bogus"), nil, "key", nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "unknown mode"))
}
