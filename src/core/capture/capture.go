package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/utils"
)

var (
	// ErrDeviceBusy 设备正被另一个采集操作占用
	ErrDeviceBusy = errors.New("capture device is busy")
	// ErrNoFrame 帧流结束前没有读到可用帧
	ErrNoFrame = errors.New("no frame read from device")
)

// CaptureError 本地采集设备无法打开或无法读取
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// SourceOpener 打开设备并返回连续 JPEG 帧组成的字节流，Close 时释放设备
type SourceOpener func(ctx context.Context) (io.ReadCloser, error)

// Camera 本地摄像头，同一时刻只允许一个采集操作持有设备
type Camera struct {
	open    SourceOpener
	warmup  time.Duration
	codec   *image.Codec
	logger  *utils.TaggedLogger
	metrics *metrics.Metrics
	mu      sync.Mutex
}

// NewCamera 使用 ffmpeg 作为帧源创建摄像头
func NewCamera(cfg configs.CaptureConfig, codec *image.Codec, logger *utils.Logger, m *metrics.Metrics) *Camera {
	return NewCameraWithSource(FFmpegSource(cfg), cfg.Warmup, codec, logger, m)
}

// NewCameraWithSource 使用自定义帧源创建摄像头
func NewCameraWithSource(open SourceOpener, warmup time.Duration, codec *image.Codec, logger *utils.Logger, m *metrics.Metrics) *Camera {
	return &Camera{
		open:    open,
		warmup:  warmup,
		codec:   codec,
		logger:  logger.WithTag("capture"),
		metrics: m,
	}
}

// CaptureFrame 丢弃预热期内的帧让自动曝光稳定，然后返回重新编码后的一帧
func (c *Camera) CaptureFrame(ctx context.Context) ([]byte, error) {
	var frame []byte
	start := time.Now()

	errStop := errors.New("stop")
	err := c.Stream(ctx, func(f []byte) error {
		if time.Since(start) < c.warmup {
			return nil
		}
		frame = f
		return errStop
	})
	if errors.Is(err, errStop) {
		return frame, nil
	}
	if err == nil {
		err = &CaptureError{Op: "read", Err: ErrNoFrame}
	}
	return nil, err
}

// Stream 持续读取帧并交给 fn，直到 fn 返回错误、ctx 取消或设备读取失败。
// 设备在每条返回路径上都会被释放。
func (c *Camera) Stream(ctx context.Context, fn func(frame []byte) error) error {
	if !c.mu.TryLock() {
		return &CaptureError{Op: "open", Err: ErrDeviceBusy}
	}
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	src, err := c.open(ctx)
	if err != nil {
		return &CaptureError{Op: "open", Err: err}
	}
	defer func() {
		if err := src.Close(); err != nil {
			c.logger.Warn("释放采集设备失败", map[string]interface{}{"error": err.Error()})
		}
	}()

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 512*1024), 16*1024*1024)
	scanner.Split(SplitJPEG)

	frames := 0
	for scanner.Scan() {
		frame, err := c.codec.Normalize(scanner.Bytes())
		if err != nil {
			c.logger.Warn("丢弃无法解码的帧", map[string]interface{}{"error": err.Error()})
			continue
		}
		frames++
		c.metrics.FrameCaptured()
		if err := fn(frame); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return &CaptureError{Op: "read", Err: err}
	}
	if frames == 0 {
		return &CaptureError{Op: "read", Err: ErrNoFrame}
	}
	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG bufio.SplitFunc，把 MJPEG 字节流切分为独立的 JPEG 帧
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF || len(data) == 0 {
			return len(data), nil, nil
		}
		// 保留最后一个字节，它可能是下一个 SOI 的开头
		return len(data) - 1, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}
