package core

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/auth"
	"vision-qa-server/src/core/capture"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoProvider 回答 "answer: <question>"，问题为 fail 时返回错误
type echoProvider struct{}

func (echoProvider) Initialize() error { return nil }
func (echoProvider) Cleanup() error    { return nil }

func (echoProvider) Complete(ctx context.Context, req vlllm.Request) (string, error) {
	if req.Question == "fail" {
		return "", errors.New("quota exceeded")
	}
	return "answer: " + req.Question, nil
}

func (echoProvider) Stream(ctx context.Context, req vlllm.Request) (<-chan vlllm.StreamChunk, error) {
	ch := make(chan vlllm.StreamChunk, 2)
	if req.Question == "fail" {
		ch <- vlllm.StreamChunk{Err: errors.New("quota exceeded")}
	} else {
		ch <- vlllm.StreamChunk{Text: "answer: "}
		ch <- vlllm.StreamChunk{Text: req.Question}
	}
	close(ch)
	return ch, nil
}

type testEnv struct {
	ws      *WebSocketServer
	baseURL string
}

func newTestEnv(t *testing.T, cfg *configs.Config, camera *capture.Camera) *testEnv {
	t.Helper()
	logger := utils.NewWriterLogger("info", io.Discard)
	codec := image.NewCodec(configs.DefaultSecurity(), cfg.Image, logger)
	client := vlllm.NewClient("echo", echoProvider{}, 0, logger, nil)

	ws := NewWebSocketServer(cfg, client, codec, camera, logger, nil)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(func() {
		ws.Stop()
		srv.Close()
	})
	return &testEnv{ws: ws, baseURL: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.baseURL+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func pngBase64(t *testing.T) string {
	t.Helper()
	img := stdimage.NewRGBA(stdimage.Rect(0, 0, 4, 4))
	for i := 0; i < 4; i++ {
		img.Set(i, i, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return image.ToTransportText(buf.Bytes())
}

func jpegFrames(t *testing.T, n int) []byte {
	t.Helper()
	img := stdimage.NewGray(stdimage.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	}
	return buf.Bytes()
}

func TestQuerySessionMissingQuestionKeepsConnection(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	conn := env.dial(t, QueryPath)
	img := pngBase64(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"image": img}))
	assert.Equal(t, NoticeMissingFields, readText(t, conn))

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "What is this?", Image: img}))
	assert.Equal(t, "answer: What is this?", readText(t, conn))
}

func TestQuerySessionPreservesOrder(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	conn := env.dial(t, QueryPath)
	img := pngBase64(t)

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "first", Image: img}))
	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "second", Image: img}))

	assert.Equal(t, "answer: first", readText(t, conn))
	assert.Equal(t, "answer: second", readText(t, conn))
}

func TestQuerySessionSoftErrors(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	conn := env.dial(t, QueryPath)
	img := pngBase64(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, NoticeInvalidMessage, readText(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	assert.Equal(t, NoticeInvalidMessage, readText(t, conn))

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "q", Image: image.ToTransportText([]byte("not an image"))}))
	assert.Equal(t, NoticeImageError, readText(t, conn))

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "q", Image: "%%%"}))
	assert.Equal(t, NoticeImageError, readText(t, conn))

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "fail", Image: img}))
	notice := readText(t, conn)
	assert.True(t, strings.HasPrefix(notice, "Error: "))
	assert.Contains(t, notice, "quota exceeded")

	// 出错之后连接仍可用
	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "still there?", Image: img}))
	assert.Equal(t, "answer: still there?", readText(t, conn))
}

func TestFrameStreamSendsBinaryFrames(t *testing.T) {
	logger := utils.NewWriterLogger("info", io.Discard)
	codec := image.NewCodec(configs.DefaultSecurity(), configs.ImageConfig{JPEGQuality: 80}, logger)
	data := jpegFrames(t, 3)
	camera := capture.NewCameraWithSource(func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, 0, codec, logger, nil)

	env := newTestEnv(t, configs.Default(), camera)
	conn := env.dial(t, StreamPath)

	for i := 0; i < 3; i++ {
		mt, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, mt)
		_, format, err := stdimage.DecodeConfig(bytes.NewReader(frame))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", format)
	}

	// 源耗尽后服务端正常关闭
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestFrameStreamCaptureFailureEndsSession(t *testing.T) {
	logger := utils.NewWriterLogger("info", io.Discard)
	codec := image.NewCodec(configs.DefaultSecurity(), configs.ImageConfig{}, logger)
	camera := capture.NewCameraWithSource(func(ctx context.Context) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	}, 0, codec, logger, nil)

	env := newTestEnv(t, configs.Default(), camera)
	conn := env.dial(t, StreamPath)

	notice := readText(t, conn)
	assert.True(t, strings.HasPrefix(notice, NoticeCaptureFailed))
	assert.Contains(t, notice, "no such device")

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestFrameStreamWithoutCamera(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	conn := env.dial(t, StreamPath)

	assert.True(t, strings.HasPrefix(readText(t, conn), NoticeCaptureFailed))
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	cfg := configs.Default()
	cfg.Server.Auth.Enabled = true
	cfg.Server.Auth.Secret = "secret"
	env := newTestEnv(t, cfg, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.baseURL+QueryPath, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.NewAuthToken("secret").GenerateToken("tester")
	require.NoError(t, err)
	conn := env.dial(t, QueryPath+"?token="+token)
	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "hi", Image: pngBase64(t)}))
	assert.Equal(t, "answer: hi", readText(t, conn))
}

func TestStopClosesSessions(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	conn := env.dial(t, QueryPath)

	require.NoError(t, conn.WriteJSON(QueryMessage{Question: "hi", Image: pngBase64(t)}))
	assert.Equal(t, "answer: hi", readText(t, conn))

	require.NoError(t, env.ws.Stop())
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDialAfterStopRejected(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	require.NoError(t, env.ws.Stop())

	_, resp, err := websocket.DefaultDialer.Dial(env.baseURL+QueryPath, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// stopDuringUpgrade 在升级完成后、会话登记前停止服务器
type stopDuringUpgrade struct {
	inner Upgrader
	ws    *WebSocketServer
}

func (u stopDuringUpgrade) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := u.inner.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	if err := u.ws.Stop(); err != nil {
		return nil, err
	}
	return conn, nil
}

func TestSessionAdmittedDuringStopIsClosed(t *testing.T) {
	env := newTestEnv(t, configs.Default(), nil)
	env.ws.upgrader = stopDuringUpgrade{inner: env.ws.upgrader, ws: env.ws}

	conn := env.dial(t, QueryPath)
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	active := 0
	env.ws.activeConnections.Range(func(key, value interface{}) bool {
		active++
		return true
	})
	assert.Zero(t, active)
}

func TestOversizedMessageEndsSession(t *testing.T) {
	cfg := configs.Default()
	vcfg := cfg.VLLLM["gemini"]
	vcfg.Security.MaxFileSize = 1024
	cfg.VLLLM["gemini"] = vcfg
	env := newTestEnv(t, cfg, nil)
	conn := env.dial(t, QueryPath)

	big := strings.Repeat("A", int(MaxMessageSize(1024))+1)
	_ = conn.WriteJSON(QueryMessage{Question: "q", Image: big})

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestMaxMessageSizeCoversBase64Image(t *testing.T) {
	maxFile := int64(3 * 1024 * 1024)
	encoded := int64(len(image.ToTransportText(make([]byte, maxFile))))
	assert.Greater(t, MaxMessageSize(maxFile), encoded)
}
