package vlllm

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/utils"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	answer  string
	chunks  []string
	err     error
	panicky bool
	block   bool
	got     []Request
}

func (f *fakeProvider) Initialize() error { return nil }
func (f *fakeProvider) Cleanup() error    { return nil }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (string, error) {
	f.got = append(f.got, req)
	if f.panicky {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.answer, f.err
}

func (f *fakeProvider) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	f.got = append(f.got, req)
	ch := make(chan StreamChunk, len(f.chunks)+1)
	for _, c := range f.chunks {
		ch <- StreamChunk{Text: c}
	}
	if f.err != nil {
		ch <- StreamChunk{Err: f.err}
	}
	close(ch)
	return ch, nil
}

func testLogger() *utils.Logger {
	return utils.NewWriterLogger("info", io.Discard)
}

var testImage = image.Payload{Data: []byte{0xFF, 0xD8, 0xFF}, MIMEType: "image/jpeg"}

func TestAnswerBlockingSendsOrderedTriple(t *testing.T) {
	fake := &fakeProvider{answer: "A red circle."}
	client := NewClient("fake", fake, 0, testLogger(), nil)

	answer, err := client.Answer(context.Background(), testImage, "What is this?", Blocking)
	require.NoError(t, err)
	assert.Equal(t, "A red circle.", answer)

	require.Len(t, fake.got, 1)
	assert.Equal(t, InstructionPrompt, fake.got[0].Prompt)
	assert.Equal(t, testImage, fake.got[0].Image)
	assert.Equal(t, "What is this?", fake.got[0].Question)
}

func TestAnswerStreamingCollectsChunks(t *testing.T) {
	fake := &fakeProvider{chunks: []string{"A red", " circle."}}
	client := NewClient("fake", fake, 0, testLogger(), nil)

	answer, err := client.Answer(context.Background(), testImage, "What is this?", Streaming)
	require.NoError(t, err)
	assert.Equal(t, "A red circle.", answer)
	assert.Equal(t, InstructionPrompt, fake.got[0].Prompt)
}

func TestAnswerModesSendSameRequest(t *testing.T) {
	fake := &fakeProvider{answer: "x", chunks: []string{"x"}}
	client := NewClient("fake", fake, 0, testLogger(), nil)

	_, err := client.Answer(context.Background(), testImage, "q", Blocking)
	require.NoError(t, err)
	_, err = client.Answer(context.Background(), testImage, "q", Streaming)
	require.NoError(t, err)

	require.Len(t, fake.got, 2)
	assert.Equal(t, fake.got[0], fake.got[1])
}

func TestAnswerErrorsBecomeModelError(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeProvider
		mode Mode
	}{
		{"blocking error", &fakeProvider{err: errors.New("quota exceeded")}, Blocking},
		{"stream error", &fakeProvider{chunks: []string{"partial"}, err: errors.New("reset")}, Streaming},
		{"panic", &fakeProvider{panicky: true}, Blocking},
		{"empty answer", &fakeProvider{answer: "  "}, Blocking},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient("fake", tc.fake, 0, testLogger(), nil)
			answer, err := client.Answer(context.Background(), testImage, "q", tc.mode)

			assert.Empty(t, answer)
			var modelErr *ModelError
			require.True(t, errors.As(err, &modelErr))
			assert.Equal(t, "fake", modelErr.Provider)
			assert.NotEmpty(t, modelErr.Message)
		})
	}
}

func TestAnswerTimeout(t *testing.T) {
	client := NewClient("fake", &fakeProvider{block: true}, 10*time.Millisecond, testLogger(), nil)

	_, err := client.Answer(context.Background(), testImage, "q", Blocking)
	var modelErr *ModelError
	require.True(t, errors.As(err, &modelErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnswerRecordsMetrics(t *testing.T) {
	m := metrics.New()
	client := NewClient("fake", &fakeProvider{answer: "ok"}, 0, testLogger(), m)

	_, err := client.Answer(context.Background(), testImage, "q", Blocking)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "vision_qa_model_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateUnknownProvider(t *testing.T) {
	_, err := Create("nope", &configs.VLLMConfig{Type: "nope"}, testLogger())
	assert.Error(t, err)
}

func TestRegisterAndCreate(t *testing.T) {
	Register("Fake-Test", func(config *Config, logger *utils.Logger) (Provider, error) {
		return &fakeProvider{answer: config.ModelName}, nil
	})

	provider, err := Create("fake-test", &configs.VLLMConfig{Type: "fake-test", ModelName: "m1"}, testLogger())
	require.NoError(t, err)
	answer, err := provider.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "m1", answer)
	assert.Contains(t, GetRegisteredProviders(), "fake-test")
}
