package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentsOrder(t *testing.T) {
	req := vlllm.Request{
		Prompt:   vlllm.InstructionPrompt,
		Image:    image.Payload{Data: []byte{1, 2, 3}, MIMEType: "image/jpeg"},
		Question: "What is this?",
	}

	got := contents(req)
	require.Len(t, got, 1)
	assert.Equal(t, "user", got[0].Role)

	parts := got[0].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, vlllm.InstructionPrompt, parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, []byte{1, 2, 3}, parts[1].InlineData.Data)
	assert.Equal(t, "image/jpeg", parts[1].InlineData.MIMEType)
	assert.Equal(t, "What is this?", parts[2].Text)
}

func TestGenerateConfig(t *testing.T) {
	p, err := NewProvider(&vlllm.Config{Temperature: 0.5, MaxTokens: 256}, utils.NewWriterLogger("info", io.Discard))
	require.NoError(t, err)

	cfg := p.(*Provider).generateConfig()
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, 0.5, *cfg.Temperature, 1e-6)
	assert.Nil(t, cfg.TopP)
	assert.Equal(t, int32(256), cfg.MaxOutputTokens)
}

func TestNewProviderDefaultsModel(t *testing.T) {
	p, err := NewProvider(&vlllm.Config{}, utils.NewWriterLogger("info", io.Discard))
	require.NoError(t, err)
	assert.Equal(t, configs.DefaultModelName, p.(*Provider).config.ModelName)
	assert.Error(t, p.Initialize())
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *vlllm.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := utils.NewWriterLogger("info", io.Discard)
	p, err := NewProvider(&vlllm.Config{APIKey: "test", BaseURL: srv.URL}, logger)
	require.NoError(t, err)
	require.NoError(t, p.Initialize())
	return vlllm.NewClient("gemini", p, 0, logger, nil)
}

var testImage = image.Payload{Data: []byte("jpeg-bytes"), MIMEType: "image/jpeg"}

func TestCompleteCallsGenerateContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/"+configs.DefaultModelName+":generateContent"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "What is this?")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"A red circle."}]}}]}`)
	})

	answer, err := client.Answer(context.Background(), testImage, "What is this?", vlllm.Blocking)
	require.NoError(t, err)
	assert.Equal(t, "A red circle.", answer)
}

func TestStreamCallsStreamGenerateContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, ":streamGenerateContent"), r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"A red", " circle."} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":%q}]}}]}\n\n", piece)
		}
	})

	answer, err := client.Answer(context.Background(), testImage, "What is this?", vlllm.Streaming)
	require.NoError(t, err)
	assert.Equal(t, "A red circle.", answer)
}

func TestErrorStatusBecomesModelError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	})

	for _, mode := range []vlllm.Mode{vlllm.Blocking, vlllm.Streaming} {
		_, err := client.Answer(context.Background(), testImage, "What is this?", mode)
		var modelErr *vlllm.ModelError
		require.True(t, errors.As(err, &modelErr), mode.String())
		assert.Equal(t, "gemini", modelErr.Provider)
	}
}
