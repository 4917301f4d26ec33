package proxy

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftgate/gateway/internal/fallback"
)

func TestBuildTargetURL(t *testing.T) {
	t.Parallel()

	got, err := buildTargetURL("https://api.openai.com/v1/", "/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1/v1/chat/completions", got)
}

func TestBuildTargetURL_LegacyOpenAIStripsV1Prefix(t *testing.T) {
	t.Parallel()

	got, err := buildTargetURL("https://legacy.example.com/api/openai", "/v1/chat/completions")
	require.NoError(t, err)
	assert.Equal(t, "https://legacy.example.com/api/openai/chat/completions", got)
}

func TestRewriteModel(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	got, err := rewriteModel(body, "gpt-4o-2024-08-06")
	require.NoError(t, err)
	assert.JSONEq(t, `{"model":"gpt-4o-2024-08-06","messages":[{"role":"user","content":"hi"}]}`, string(got))
}

func TestRewriteModel_NoUpstreamModelIsNoop(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"gpt-4o"}`)
	got, err := rewriteModel(body, "")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestRewriteModel_MissingModelFieldIsNoop(t *testing.T) {
	t.Parallel()

	body := []byte(`{"input":"hello"}`)
	got, err := rewriteModel(body, "whisper-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":"hello"}`, string(got))
}

func TestBuildHeaders(t *testing.T) {
	t.Parallel()

	h := buildHeaders("https://api.openai.com/v1", "sk-test", "")
	assert.Equal(t, "Bearer sk-test", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, userAgent, h.Get("User-Agent"))
}

func TestBuildHeaders_LegacyOpenAIOmitsAuthorization(t *testing.T) {
	t.Parallel()

	h := buildHeaders("https://legacy.example.com/api/openai", "sk-test", "")
	assert.Empty(t, h.Get("Authorization"))
}

func TestBuildHeaders_PreservesMultipartContentType(t *testing.T) {
	t.Parallel()

	h := buildHeaders("https://api.openai.com/v1", "sk-test", "multipart/form-data; boundary=xyz")
	assert.Equal(t, "multipart/form-data; boundary=xyz", h.Get("Content-Type"))
}

func TestClassifyUpstream(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		statusCode int
		body       string
		wantKind   fallback.Kind
		wantRetry  bool
	}{
		{"forbidden", http.StatusForbidden, ``, fallback.KindProviderUnhealthy, true},
		{"rate limited", http.StatusTooManyRequests, ``, fallback.KindRateLimitExceeded, true},
		{"token limit", http.StatusPaymentRequired, `insufficient token balance`, fallback.KindRateLimitExceeded, true},
		{"payment required non-token", http.StatusPaymentRequired, `card declined`, fallback.KindOther, false},
		{"generic 500", http.StatusInternalServerError, ``, fallback.KindOther, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err, kind, retryable := classifyUpstream(tc.statusCode, []byte(tc.body))
			require.Error(t, err)
			assert.Equal(t, tc.wantKind, kind)
			assert.Equal(t, tc.wantRetry, retryable)
		})
	}
}

func TestClassifyUpstream_SuccessIsNil(t *testing.T) {
	t.Parallel()
	err, kind, retryable := classifyUpstream(http.StatusOK, nil)
	assert.NoError(t, err)
	assert.Empty(t, kind)
	assert.False(t, retryable)
}

func TestExtractTokensBuffered_UsesTotalTokens(t *testing.T) {
	t.Parallel()
	respBody := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	got := extractTokensBuffered("/v1/chat/completions", nil, respBody)
	assert.Equal(t, 15, got)
}

func TestExtractTokensBuffered_FallsBackToPromptPlusCompletion(t *testing.T) {
	t.Parallel()
	respBody := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	got := extractTokensBuffered("/v1/chat/completions", nil, respBody)
	assert.Equal(t, 15, got)
}

func TestExtractTokensBuffered_CharEstimateWhenNoUsage(t *testing.T) {
	t.Parallel()
	reqBody := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	respBody := []byte(`{"choices":[{"message":{"content":"hello there"}}]}`)
	got := extractTokensBuffered("/v1/chat/completions", reqBody, respBody)
	assert.Positive(t, got)
}

func TestExtractTokensBuffered_ImageGenerationIsOne(t *testing.T) {
	t.Parallel()
	got := extractTokensBuffered("/v1/images/generations", nil, []byte(`{"data":[{"url":"x"}]}`))
	assert.Equal(t, 1, got)
}

func TestExtractTokensBuffered_AudioTranscriptionUsesCharEstimate(t *testing.T) {
	t.Parallel()
	respBody := []byte(`{"text":"a twelve char"}`)
	got := extractTokensBuffered("/v1/audio/transcriptions", nil, respBody)
	assert.Equal(t, ceilDiv(len("a twelve char"), 4), got)
}

func TestExtractTokensBuffered_AudioSpeechUsesInputLength(t *testing.T) {
	t.Parallel()
	reqBody := []byte(`{"input":"speak this"}`)
	got := extractTokensBuffered("/v1/audio/speech", reqBody, []byte{})
	assert.Equal(t, len("speak this"), got)
}

func TestCeilDiv(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, ceilDiv(0, 4))
	assert.Equal(t, 1, ceilDiv(1, 4))
	assert.Equal(t, 1, ceilDiv(4, 4))
	assert.Equal(t, 2, ceilDiv(5, 4))
}
