package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"strings"
	"sync/atomic"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/utils"

	"github.com/disintegration/gift"
)

// CanonicalMIMEType 规范化输出的唯一格式
const CanonicalMIMEType = "image/jpeg"

// Codec 图片编解码：规范化为 JPEG、base64 传输编码、解码为内存图片
type Codec struct {
	validator    *ImageSecurityValidator
	logger       *utils.Logger
	quality      int
	maxDimension int
	metrics      *ImageMetrics
}

// NewCodec 创建图片编解码器
func NewCodec(security configs.SecurityConfig, cfg configs.ImageConfig, logger *utils.Logger) *Codec {
	quality := cfg.JPEGQuality
	if quality < 1 || quality > 100 {
		quality = 90
	}
	return &Codec{
		validator:    NewImageSecurityValidator(&security, logger),
		logger:       logger,
		quality:      quality,
		maxDimension: cfg.MaxDimension,
		metrics:      &ImageMetrics{},
	}
}

// Decode 验证并解码为内存图片
func (c *Codec) Decode(raw []byte) (image.Image, error) {
	atomic.AddInt64(&c.metrics.TotalProcessed, 1)

	result := c.validator.Validate(raw)
	if !result.IsValid {
		atomic.AddInt64(&c.metrics.FailedValidations, 1)
		return nil, result.Error
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		atomic.AddInt64(&c.metrics.FailedValidations, 1)
		return nil, &DecodeError{Reason: "not a decodable image", Err: err}
	}
	return img, nil
}

// Normalize 解码任意常见格式的图片并以固定质量重新编码为 JPEG
func (c *Codec) Normalize(raw []byte) ([]byte, error) {
	img, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}

	payload, err := c.Encode(img)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.metrics.Normalized, 1)
	return payload.Data, nil
}

// Encode 把内存图片编码为规范格式的 Payload
func (c *Codec) Encode(img image.Image) (Payload, error) {
	img = c.fit(img)
	img = flatten(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return Payload{}, &DecodeError{Reason: "jpeg encode failed", Err: err}
	}
	return Payload{Data: buf.Bytes(), MIMEType: CanonicalMIMEType}, nil
}

// fit 按 maxDimension 等比缩小
func (c *Codec) fit(img image.Image) image.Image {
	if c.maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= c.maxDimension && b.Dy() <= c.maxDimension {
		return img
	}

	g := gift.New(gift.ResizeToFit(c.maxDimension, c.maxDimension, gift.LanczosResampling))
	dst := image.NewRGBA(g.Bounds(b))
	g.Draw(dst, img)
	atomic.AddInt64(&c.metrics.Resized, 1)

	c.logger.Debug("图片已缩放", map[string]interface{}{
		"from": fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"to":   fmt.Sprintf("%dx%d", dst.Bounds().Dx(), dst.Bounds().Dy()),
	})
	return dst
}

// flatten 将带透明通道的图片铺到白色背景上，JPEG 不支持透明
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// GetMetrics 获取处理统计信息
func (c *Codec) GetMetrics() ImageMetrics {
	return ImageMetrics{
		TotalProcessed:    atomic.LoadInt64(&c.metrics.TotalProcessed),
		Normalized:        atomic.LoadInt64(&c.metrics.Normalized),
		Resized:           atomic.LoadInt64(&c.metrics.Resized),
		FailedValidations: atomic.LoadInt64(&c.metrics.FailedValidations),
	}
}

// ToTransportText 标准 base64 编码
func ToTransportText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromTransportText 解码 base64，兼容 data URL 前缀
func FromTransportText(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "data:") {
		if i := strings.Index(text, ","); i >= 0 {
			text = text[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64 image", Err: err}
	}
	return data, nil
}

// EnsureBytes 返回存储内容的原始字节：若内容是某张图片的 base64 文本则解码，否则原样返回
func EnsureBytes(stored []byte) []byte {
	if isImage(stored) {
		return stored
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(stored)))
	if err != nil || !isImage(decoded) {
		return stored
	}
	return decoded
}

// DetectContentType 识别图片 MIME 类型，无法识别时按 JPEG 处理
func DetectContentType(data []byte) string {
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		return ct
	}
	return CanonicalMIMEType
}

func isImage(data []byte) bool {
	return len(data) > 0 && strings.HasPrefix(http.DetectContentType(data), "image/")
}
