package vision

import (
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/models"
)

// QueryRequest 问答请求（从multipart表单解析）
type QueryRequest struct {
	Question string // 问题文本
	Image    []byte // 上传的原始图片
}

// QueryResponse 问答记录响应，image 为原始图片的 base64
type QueryResponse struct {
	ID       uint   `json:"id"`
	Question string `json:"question"`
	Image    string `json:"image"`
	Answer   string `json:"answer"`
}

func newQueryResponse(record *models.QueryRecord) QueryResponse {
	return QueryResponse{
		ID:       record.ID,
		Question: record.Question,
		Image:    image.ToTransportText(image.EnsureBytes(record.ImageData)),
		Answer:   record.Response,
	}
}

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VisionStatusResponse Vision状态响应结构
type VisionStatusResponse struct {
	Success  bool               `json:"success"`
	Message  string             `json:"message"`
	Provider string             `json:"provider"`
	Model    string             `json:"model"`
	Capture  bool               `json:"capture"`
	Image    image.ImageMetrics `json:"image"`
}
