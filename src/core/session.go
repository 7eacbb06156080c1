package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vision-qa-server/src/core/capture"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"github.com/gorilla/websocket"
)

// 会话内回复给客户端的错误提示
const (
	NoticeMissingFields  = "Error: question and image are required"
	NoticeInvalidMessage = "Error: message must be a JSON text frame"
	NoticeImageError     = "Error: image processing error"
	NoticeCaptureFailed  = "Error: capture failed"
)

// QueryMessage 问答会话的入站消息，image 为 base64 文本
type QueryMessage struct {
	Question string `json:"question"`
	Image    string `json:"image"`
}

// QuerySession 一条连接上按顺序处理的问答会话
type QuerySession struct {
	id      string
	conn    Conn
	client  *vlllm.Client
	codec   *image.Codec
	logger  *utils.TaggedLogger
	metrics *metrics.Metrics
}

func NewQuerySession(id string, conn Conn, client *vlllm.Client, codec *image.Codec, logger *utils.Logger, m *metrics.Metrics) *QuerySession {
	return &QuerySession{
		id:      id,
		conn:    conn,
		client:  client,
		codec:   codec,
		logger:  logger.WithTag("session"),
		metrics: m,
	}
}

// Run 逐条读取消息并回复，单条消息的错误只回复提示，不关闭连接。
// 对端关闭连接或 ctx 结束时返回。
func (s *QuerySession) Run(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				s.logger.Warn("读取消息失败", map[string]interface{}{
					"session_id": s.id,
					"error":      err.Error(),
				})
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		reply := s.handle(ctx, messageType, data)
		if err := s.conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
			s.logger.Warn("发送回复失败", map[string]interface{}{
				"session_id": s.id,
				"error":      err.Error(),
			})
			return
		}
	}
}

// handle 处理一条消息，返回回答或错误提示
func (s *QuerySession) handle(ctx context.Context, messageType int, data []byte) string {
	if messageType != websocket.TextMessage {
		s.metrics.ObserveQuery("websocket", "invalid")
		return NoticeInvalidMessage
	}

	var msg QueryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.ObserveQuery("websocket", "invalid")
		return NoticeInvalidMessage
	}
	if strings.TrimSpace(msg.Question) == "" || msg.Image == "" {
		s.metrics.ObserveQuery("websocket", "invalid")
		return NoticeMissingFields
	}

	raw, err := image.FromTransportText(msg.Image)
	if err == nil {
		raw, err = s.codec.Normalize(raw)
	}
	if err != nil {
		s.logger.Warn("图片解码失败", map[string]interface{}{
			"session_id": s.id,
			"error":      err.Error(),
		})
		s.metrics.ObserveQuery("websocket", "invalid")
		return NoticeImageError
	}

	payload := image.Payload{Data: raw, MIMEType: image.CanonicalMIMEType}
	answer, err := s.client.Answer(ctx, payload, msg.Question, vlllm.Streaming)
	if err != nil {
		s.metrics.ObserveQuery("websocket", "model_error")
		return fmt.Sprintf("Error: %s", err.Error())
	}

	s.metrics.ObserveQuery("websocket", "ok")
	return answer
}

// FrameStreamSession 把采集设备的帧持续推送给客户端
type FrameStreamSession struct {
	id      string
	conn    Conn
	camera  *capture.Camera
	logger  *utils.TaggedLogger
	metrics *metrics.Metrics
}

func NewFrameStreamSession(id string, conn Conn, camera *capture.Camera, logger *utils.Logger, m *metrics.Metrics) *FrameStreamSession {
	return &FrameStreamSession{
		id:      id,
		conn:    conn,
		camera:  camera,
		logger:  logger.WithTag("stream"),
		metrics: m,
	}
}

// Run 推送二进制 JPEG 帧直到客户端断开或采集失败。采集失败时回复提示后结束会话。
func (s *FrameStreamSession) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 客户端关闭连接时停止采集
	go func() {
		defer cancel()
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s.camera == nil {
		s.sendNotice(fmt.Sprintf("%s: capture device not configured", NoticeCaptureFailed))
		return
	}

	err := s.camera.Stream(ctx, func(frame []byte) error {
		return s.conn.WriteMessage(websocket.BinaryMessage, frame)
	})

	var capErr *capture.CaptureError
	switch {
	case ctx.Err() != nil, errors.Is(err, ErrConnectionClosed):
		return
	case errors.As(err, &capErr):
		s.logger.Error("采集失败", map[string]interface{}{
			"session_id": s.id,
			"error":      err.Error(),
		})
		s.sendNotice(fmt.Sprintf("%s: %s", NoticeCaptureFailed, err.Error()))
	case err != nil:
		s.logger.Warn("推送帧失败", map[string]interface{}{
			"session_id": s.id,
			"error":      err.Error(),
		})
	}
}

func (s *FrameStreamSession) sendNotice(text string) {
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		s.logger.Debug("发送提示失败", map[string]interface{}{"session_id": s.id, "error": err.Error()})
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, ErrConnectionClosed)
}
