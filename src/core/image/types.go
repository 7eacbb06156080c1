package image

import (
	"encoding/base64"
	"fmt"
)

// Payload 传给视觉模型的图片数据（规范化后的字节及其 MIME 类型）
type Payload struct {
	Data     []byte
	MIMEType string
}

// Base64 返回标准 base64 编码
func (p Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// DataURL 返回 data:<mime>;base64,<data> 形式
func (p Payload) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", p.MIMEType, p.Base64())
}

// ValidationResult 图片验证结果
type ValidationResult struct {
	IsValid  bool   // 是否有效
	Format   string // 实际格式
	Width    int    // 图片宽度
	Height   int    // 图片高度
	FileSize int64  // 文件大小
	Error    error  // 错误信息
}

// DecodeError 输入不是可解码的图片，或超出限制
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("image decode: %s: %v", e.Reason, e.Err)
	}
	return "image decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImageMetrics 图片处理统计信息
type ImageMetrics struct {
	TotalProcessed    int64 `json:"total_processed"`    // 总处理数量
	Normalized        int64 `json:"normalized"`         // 规范化成功次数
	Resized           int64 `json:"resized"`            // 缩放次数
	FailedValidations int64 `json:"failed_validations"` // 验证失败次数
}
