package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/auth"
	"vision-qa-server/src/core/capture"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/store"
	"vision-qa-server/src/core/utils"

	"github.com/gin-gonic/gin"
)

var _ VisionService = (*DefaultVisionService)(nil)

// 上传上限在图片上限之外为 multipart 表单留出的余量
const formOverhead = 1 << 20

var errUploadTooLarge = errors.New("upload exceeds size limit")

type DefaultVisionService struct {
	logger    *utils.Logger
	config    *configs.Config
	client    *vlllm.Client
	codec     *image.Codec
	store     store.RecordStore
	camera    *capture.Camera
	metrics   *metrics.Metrics
	authToken *auth.AuthToken // 为 nil 时不鉴权
	maxUpload int64
}

// NewDefaultVisionService 构造函数，camera 可以为 nil
func NewDefaultVisionService(config *configs.Config, client *vlllm.Client, codec *image.Codec, records store.RecordStore,
	camera *capture.Camera, logger *utils.Logger, m *metrics.Metrics) *DefaultVisionService {
	service := &DefaultVisionService{
		logger:  logger,
		config:  config,
		client:  client,
		codec:   codec,
		store:   records,
		camera:  camera,
		metrics: m,
	}
	_, vcfg := config.SelectedVLLM()
	service.maxUpload = vcfg.Security.MaxFileSize + formOverhead
	if config.Server.Auth.Enabled {
		service.authToken = auth.NewAuthToken(config.Server.Auth.Secret)
	}
	return service
}

// Start 实现 VisionService 接口，注册所有 Vision 相关路由
func (s *DefaultVisionService) Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error {
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	for _, path := range []string{"/query", "/query/:id", "/image/:id", "/capture", "/vision"} {
		apiGroup.OPTIONS(path, s.handleOptions)
	}

	group := apiGroup.Group("", s.corsMiddleware(), s.authMiddleware())
	group.POST("/query", s.handleCreateQuery)
	group.GET("/query/:id", s.handleGetQuery)
	group.GET("/image/:id", s.handleGetImage)
	group.POST("/capture", s.handleCapture)
	group.GET("/vision", s.handleStatus)

	s.logger.Info("Vision HTTP服务路由注册完成")
	return nil
}

// handleOptions 处理OPTIONS请求（CORS）
func (s *DefaultVisionService) handleOptions(c *gin.Context) {
	s.addCORSHeaders(c)
	c.Status(http.StatusNoContent)
}

func (s *DefaultVisionService) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.addCORSHeaders(c)
		c.Next()
	}
}

// authMiddleware 开启鉴权时校验 Bearer token
func (s *DefaultVisionService) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == nil {
			c.Next()
			return
		}
		clientID, err := s.authToken.VerifyRequest(c.Request)
		if err != nil {
			s.logger.Warn("Vision认证失败", map[string]interface{}{
				"path":  c.FullPath(),
				"error": err.Error(),
			})
			s.respondError(c, http.StatusUnauthorized, "无效的认证token或token已过期")
			c.Abort()
			return
		}
		c.Set("client_id", clientID)
		c.Next()
	}
}

// handleStatus 处理GET请求（状态检查）
func (s *DefaultVisionService) handleStatus(c *gin.Context) {
	name, cfg := s.config.SelectedVLLM()
	c.JSON(http.StatusOK, VisionStatusResponse{
		Success:  true,
		Message:  fmt.Sprintf("Vision 接口运行正常，当前视觉模型 %s", name),
		Provider: cfg.Type,
		Model:    cfg.ModelName,
		Capture:  s.camera != nil,
		Image:    s.codec.GetMetrics(),
	})
}

// handleCreateQuery 规范化图片、询问模型、保存记录并返回
func (s *DefaultVisionService) handleCreateQuery(c *gin.Context) {
	req, err := s.parseQueryRequest(c)
	if err != nil {
		s.metrics.ObserveQuery("http", "invalid")
		s.logger.Warn(fmt.Sprintf("Vision请求解析失败: %v", err))
		status := http.StatusBadRequest
		if errors.Is(err, errUploadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.respondError(c, status, err.Error())
		return
	}

	normalized, err := s.codec.Normalize(req.Image)
	if err != nil {
		s.metrics.ObserveQuery("http", "invalid")
		s.logger.Warn("图片处理失败", map[string]interface{}{
			"image_size": len(req.Image),
			"error":      err.Error(),
		})
		s.respondError(c, http.StatusBadRequest, "image processing error")
		return
	}

	ctx := c.Request.Context()
	payload := image.Payload{Data: normalized, MIMEType: image.CanonicalMIMEType}
	answer, err := s.client.Answer(ctx, payload, req.Question, vlllm.Blocking)
	if err != nil {
		s.metrics.ObserveQuery("http", "model_error")
		s.respondError(c, http.StatusInternalServerError, "model call failed")
		return
	}

	record, err := s.store.Create(ctx, req.Question, req.Image, answer)
	if err != nil {
		s.metrics.ObserveQuery("http", "store_error")
		s.logger.Error(fmt.Sprintf("保存问答记录失败: %v", err))
		s.respondError(c, http.StatusInternalServerError, "failed to save record")
		return
	}

	s.metrics.ObserveQuery("http", "ok")
	s.logger.Info("Vision问答完成", map[string]interface{}{
		"id":         record.ID,
		"image_size": len(req.Image),
	})
	c.JSON(http.StatusCreated, newQueryResponse(record))
}

// parseQueryRequest 从 multipart 表单读取 question 和 image，question 也可放在查询参数里
func (s *DefaultVisionService) parseQueryRequest(c *gin.Context) (*QueryRequest, error) {
	if c.Request.ContentLength > s.maxUpload {
		return nil, errUploadTooLarge
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errUploadTooLarge
		}
		return nil, fmt.Errorf("image is required")
	}

	question := c.PostForm("question")
	if question == "" {
		question = c.Query("question")
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question is required")
	}

	header, err := c.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("image is required")
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("读取图片失败: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取图片失败: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("image is empty")
	}

	return &QueryRequest{Question: question, Image: data}, nil
}

// handleGetQuery 按 id 读取问答记录
func (s *DefaultVisionService) handleGetQuery(c *gin.Context) {
	id, ok := s.lookup(c)
	if !ok {
		return
	}
	record, err := s.store.GetByID(c.Request.Context(), id)
	if err != nil {
		s.respondLookupError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, newQueryResponse(record))
}

// handleGetImage 按 id 返回原始图片字节
func (s *DefaultVisionService) handleGetImage(c *gin.Context) {
	id, ok := s.lookup(c)
	if !ok {
		return
	}
	record, err := s.store.GetByID(c.Request.Context(), id)
	if err != nil {
		s.respondLookupError(c, id, err)
		return
	}
	data := image.EnsureBytes(record.ImageData)
	c.Data(http.StatusOK, image.DetectContentType(data), data)
}

// handleCapture 从本地摄像头抓取一帧
func (s *DefaultVisionService) handleCapture(c *gin.Context) {
	if s.camera == nil {
		s.respondError(c, http.StatusInternalServerError, "capture device not configured")
		return
	}

	frame, err := s.camera.CaptureFrame(c.Request.Context())
	if err != nil {
		s.logger.Error(fmt.Sprintf("摄像头采集失败: %v", err))
		s.respondError(c, http.StatusInternalServerError, "failed to capture image")
		return
	}
	c.Data(http.StatusOK, image.CanonicalMIMEType, frame)
}

func (s *DefaultVisionService) lookup(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		s.respondError(c, http.StatusNotFound, "query not found")
		return 0, false
	}
	return uint(id), true
}

func (s *DefaultVisionService) respondLookupError(c *gin.Context, id uint, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(c, http.StatusNotFound, "query not found")
		return
	}
	s.logger.Error("读取问答记录失败", map[string]interface{}{"id": id, "error": err.Error()})
	s.respondError(c, http.StatusInternalServerError, "failed to load record")
}

// addCORSHeaders 添加CORS头
func (s *DefaultVisionService) addCORSHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Headers", "content-type, authorization")
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
}

// respondError 返回错误响应
func (s *DefaultVisionService) respondError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, ErrorResponse{
		Success: false,
		Message: message,
	})
}

// Cleanup 清理资源
func (s *DefaultVisionService) Cleanup() error {
	if err := s.client.Cleanup(); err != nil {
		s.logger.Warn(fmt.Sprintf("清理VLLLM provider %s 失败: %v", s.client.Name(), err))
	}
	s.logger.Info("Vision服务清理完成")
	return nil
}
