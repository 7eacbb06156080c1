package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/configs/database"
	"vision-qa-server/src/core"
	"vision-qa-server/src/core/capture"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/store"
	"vision-qa-server/src/core/utils"
	"vision-qa-server/src/vision"

	// 导入所有providers以确保init函数被调用
	_ "vision-qa-server/src/core/providers/vlllm/gemini"
	_ "vision-qa-server/src/core/providers/vlllm/ollama"
	_ "vision-qa-server/src/core/providers/vlllm/openai"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// components 进程内共享的服务组件
type components struct {
	client  *vlllm.Client
	codec   *image.Codec
	store   store.RecordStore
	camera  *capture.Camera
	metrics *metrics.Metrics
}

func LoadConfigAndLogger() (*configs.Config, *utils.Logger, error) {
	// 加载配置,默认使用.config.yaml
	config, configPath, err := configs.LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	// 初始化日志系统
	logger, err := utils.NewLogger(config)
	if err != nil {
		return nil, nil, err
	}
	logger.Info(fmt.Sprintf("日志系统初始化成功, 配置文件路径: %s", configPath))

	return config, logger, nil
}

func buildComponents(config *configs.Config, db *gorm.DB, logger *utils.Logger) (*components, error) {
	m := metrics.New()

	name, vcfg := config.SelectedVLLM()
	logger.Info(fmt.Sprintf("正在初始化VLLLM服务(%s)...", name))
	client, err := vlllm.NewClientFromConfig(name, vcfg, logger, m)
	if err != nil {
		return nil, fmt.Errorf("初始化VLLLM失败: %w", err)
	}

	codec := image.NewCodec(vcfg.Security, config.Image, logger)

	var camera *capture.Camera
	if config.Capture.Device != "" {
		camera = capture.NewCamera(config.Capture, codec, logger, m)
	}

	return &components{
		client:  client,
		codec:   codec,
		store:   store.NewGormStore(db),
		camera:  camera,
		metrics: m,
	}, nil
}

func StartWSServer(config *configs.Config, c *components, logger *utils.Logger, g *errgroup.Group, groupCtx context.Context) *core.WebSocketServer {
	wsServer := core.NewWebSocketServer(config, c.client, c.codec, c.camera, logger, c.metrics)

	g.Go(func() error {
		if err := wsServer.Start(groupCtx); err != nil {
			if groupCtx.Err() != nil {
				return nil // 正常关闭
			}
			logger.Error(fmt.Sprintf("WebSocket 服务运行失败: %v", err))
			return err
		}
		return nil
	})

	logger.Info("WebSocket 服务已成功启动")
	return wsServer
}

func StartHttpServer(config *configs.Config, c *components, logger *utils.Logger, g *errgroup.Group, groupCtx context.Context) (*vision.DefaultVisionService, error) {
	// 初始化Gin引擎
	if config.Log.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.SetTrustedProxies([]string{"0.0.0.0"})

	// API路由全部挂载到/api前缀下
	apiGroup := router.Group("/api")

	visionService := vision.NewDefaultVisionService(config, c.client, c.codec, c.store, c.camera, logger, c.metrics)
	if err := visionService.Start(groupCtx, router, apiGroup); err != nil {
		return nil, fmt.Errorf("Vision 服务启动失败: %w", err)
	}

	// HTTP Server（支持优雅关机）
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Web.Port),
		Handler: router,
	}

	g.Go(func() error {
		logger.Info(fmt.Sprintf("Gin 服务已启动，访问地址: http://0.0.0.0:%d", config.Web.Port))

		go func() {
			<-groupCtx.Done()
			logger.Info("收到关闭信号，开始关闭HTTP服务...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error(fmt.Sprintf("HTTP服务关闭失败: %v", err))
			} else {
				logger.Info("HTTP服务已优雅关闭")
			}
		}()

		// ListenAndServe 返回 ErrServerClosed 时表示正常关闭
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(fmt.Sprintf("HTTP 服务启动失败: %v", err))
			return err
		}
		return nil
	})

	return visionService, nil
}

func GracefulShutdown(ctx context.Context, cancel context.CancelFunc, logger *utils.Logger, g *errgroup.Group) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// 等待信号，或任一服务异常退出
	select {
	case sig := <-sigChan:
		logger.Info(fmt.Sprintf("接收到系统信号: %v，开始优雅关闭服务", sig))
	case <-ctx.Done():
		logger.Warn("服务异常退出，开始关闭其余服务")
	}

	cancel()

	// 等待所有服务关闭，设置超时保护
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error(fmt.Sprintf("服务关闭过程中出现错误: %v", err))
			os.Exit(1)
		}
		logger.Info("所有服务已优雅关闭")
	case <-time.After(15 * time.Second):
		logger.Error("服务关闭超时，强制退出")
		os.Exit(1)
	}
}

func main() {
	// 先加载 .env，GOOGLE_API_KEY 等可以写在里面
	if err := godotenv.Load(); err != nil {
		fmt.Println("未找到 .env 文件，使用系统环境变量")
	}

	config, logger, err := LoadConfigAndLogger()
	if err != nil {
		var cfgErr *configs.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Println("配置错误:", cfgErr)
		} else {
			fmt.Println("加载配置或初始化日志系统失败:", err)
		}
		os.Exit(1)
	}
	defer logger.Close()

	db, dbType, err := database.InitDB(config.DatabaseURL)
	if err != nil {
		logger.Error(fmt.Sprintf("数据库连接失败: %v", err))
		os.Exit(1)
	}
	defer database.CloseDB(db)
	logger.Info(fmt.Sprintf("数据库连接成功(%s)", dbType))

	c, err := buildComponents(config, db, logger)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 用 errgroup 管理两个服务
	g, groupCtx := errgroup.WithContext(ctx)

	StartWSServer(config, c, logger, g, groupCtx)
	visionService, err := StartHttpServer(config, c, logger, g, groupCtx)
	if err != nil {
		logger.Error(fmt.Sprintf("启动服务失败: %v", err))
		cancel()
		os.Exit(1)
	}

	GracefulShutdown(groupCtx, cancel, logger, g)
	visionService.Cleanup()

	logger.Info("程序已成功退出")
}
