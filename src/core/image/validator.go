package image

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/utils"

	_ "image/gif"  // 注册GIF解码器
	_ "image/jpeg" // 注册JPEG解码器
	_ "image/png"  // 注册PNG解码器

	_ "golang.org/x/image/bmp"  // 注册BMP解码器
	_ "golang.org/x/image/tiff" // 注册TIFF解码器
	_ "golang.org/x/image/webp" // 注册WEBP解码器
)

// ImageSecurityValidator 在完整解码前检查图片大小、尺寸和格式
type ImageSecurityValidator struct {
	config *configs.SecurityConfig
	logger *utils.Logger
}

// NewImageSecurityValidator 创建新的图片安全验证器
func NewImageSecurityValidator(config *configs.SecurityConfig, logger *utils.Logger) *ImageSecurityValidator {
	return &ImageSecurityValidator{
		config: config,
		logger: logger,
	}
}

// Validate 只读取图片头部信息进行验证，不做完整解码
func (v *ImageSecurityValidator) Validate(data []byte) ValidationResult {
	result := ValidationResult{FileSize: int64(len(data))}

	if len(data) == 0 {
		result.Error = &DecodeError{Reason: "empty image data"}
		return result
	}

	if v.config.MaxFileSize > 0 && int64(len(data)) > v.config.MaxFileSize {
		result.Error = &DecodeError{Reason: fmt.Sprintf("file too large: %d bytes, max %d", len(data), v.config.MaxFileSize)}
		v.logger.Warn("检测到超大文件", map[string]interface{}{
			"size":     len(data),
			"max_size": v.config.MaxFileSize,
		})
		return result
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		result.Error = &DecodeError{Reason: "not a decodable image", Err: err}
		return result
	}
	result.Format = format

	if !v.isFormatAllowed(format) {
		result.Error = &DecodeError{Reason: fmt.Sprintf("format %s not allowed", format)}
		return result
	}

	if (v.config.MaxWidth > 0 && cfg.Width > v.config.MaxWidth) ||
		(v.config.MaxHeight > 0 && cfg.Height > v.config.MaxHeight) {
		result.Error = &DecodeError{Reason: fmt.Sprintf("dimensions %dx%d exceed %dx%d",
			cfg.Width, cfg.Height, v.config.MaxWidth, v.config.MaxHeight)}
		return result
	}

	totalPixels := int64(cfg.Width) * int64(cfg.Height)
	if v.config.MaxPixels > 0 && totalPixels > v.config.MaxPixels {
		result.Error = &DecodeError{Reason: fmt.Sprintf("pixel count %d exceeds %d", totalPixels, v.config.MaxPixels)}
		return result
	}

	result.IsValid = true
	result.Width = cfg.Width
	result.Height = cfg.Height

	v.logger.Debug("图片验证成功", map[string]interface{}{
		"format": result.Format,
		"width":  result.Width,
		"height": result.Height,
		"size":   result.FileSize,
	})

	return result
}

// isFormatAllowed 检查格式是否被允许，未配置时全部允许
func (v *ImageSecurityValidator) isFormatAllowed(format string) bool {
	if len(v.config.AllowedFormats) == 0 {
		return true
	}
	for _, allowed := range v.config.AllowedFormats {
		if strings.EqualFold(allowed, format) || (format == "jpeg" && strings.EqualFold(allowed, "jpg")) {
			return true
		}
	}
	return false
}
