package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"vision-qa-server/src/configs"
	"vision-qa-server/src/core/auth"
	"vision-qa-server/src/core/capture"
	"vision-qa-server/src/core/image"
	"vision-qa-server/src/core/metrics"
	"vision-qa-server/src/core/providers/vlllm"
	"vision-qa-server/src/core/utils"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	QueryPath  = "/ws/query"
	StreamPath = "/ws/stream"
)

// WebSocketServer WebSocket服务器结构
type WebSocketServer struct {
	config   *configs.Config
	server   *http.Server
	upgrader Upgrader
	logger   *utils.Logger
	client   *vlllm.Client
	codec    *image.Codec
	camera   *capture.Camera
	auth     *auth.AuthToken
	metrics  *metrics.Metrics

	baseCtx           context.Context
	cancel            context.CancelFunc
	admitMu           sync.Mutex // 串行化会话登记与 Stop 的取消
	activeConnections sync.Map
	sessions          sync.WaitGroup
}

// Upgrader WebSocket升级器接口
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error)
}

// NewWebSocketServer 创建新的WebSocket服务器，camera 为 nil 时帧推流不可用
func NewWebSocketServer(config *configs.Config, client *vlllm.Client, codec *image.Codec, camera *capture.Camera, logger *utils.Logger, m *metrics.Metrics) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	_, vcfg := config.SelectedVLLM()
	ws := &WebSocketServer{
		config:   config,
		upgrader: NewDefaultUpgrader(MaxMessageSize(vcfg.Security.MaxFileSize)),
		logger:   logger,
		client:   client,
		codec:    codec,
		camera:   camera,
		metrics:  m,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if config.Server.Auth.Enabled {
		ws.auth = auth.NewAuthToken(config.Server.Auth.Secret)
	}
	return ws
}

// Handler 返回注册了全部会话路由的 http.Handler
func (ws *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(QueryPath, ws.handleQuery)
	mux.HandleFunc(StreamPath, ws.handleStream)
	return mux
}

// Start 启动WebSocket服务器，ctx 结束时关闭
func (ws *WebSocketServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", ws.config.Server.IP, ws.config.Server.Port)
	ws.server = &http.Server{
		Addr:    addr,
		Handler: ws.Handler(),
	}

	ws.logger.Info(fmt.Sprintf("正在启动WebSocket服务器于 ws://%s...", addr))

	go func() {
		<-ctx.Done()
		ws.logger.Info("收到关闭信号，准备关闭WebSocket服务器...")
		if err := ws.Stop(); err != nil {
			ws.logger.Error(fmt.Sprintf("服务器关闭时出错: %v", err))
		}
	}()

	if err := ws.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			ws.logger.Info("WebSocket服务器已正常关闭")
			return nil
		}
		ws.logger.Error(fmt.Sprintf("服务器启动失败: %v", err))
		return fmt.Errorf("服务器启动失败: %w", err)
	}
	return nil
}

// Stop 取消所有会话、关闭活动连接并停止监听
func (ws *WebSocketServer) Stop() error {
	ws.admitMu.Lock()
	ws.cancel()
	ws.admitMu.Unlock()

	ws.activeConnections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(Conn); ok {
			conn.Close()
		}
		return true
	})
	ws.sessions.Wait()

	if ws.server != nil {
		ws.logger.Info("正在关闭WebSocket服务器...")
		if err := ws.server.Close(); err != nil {
			return fmt.Errorf("服务器关闭失败: %w", err)
		}
	}
	return nil
}

// MaxMessageSize 入站消息上限：base64 后的最大图片加上 JSON 余量
func MaxMessageSize(maxFileSize int64) int64 {
	return maxFileSize*4/3 + 64*1024
}

// defaultUpgrader 默认的WebSocket升级器实现
type defaultUpgrader struct {
	wsUpgrader *websocket.Upgrader
	readLimit  int64
}

// NewDefaultUpgrader 创建默认的WebSocket升级器，readLimit 为单条消息的最大字节数
func NewDefaultUpgrader(readLimit int64) *defaultUpgrader {
	return &defaultUpgrader{
		readLimit: readLimit,
		wsUpgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源的连接
			},
		},
	}
}

// Upgrade 实现Upgrader接口
func (u *defaultUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := u.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if u.readLimit > 0 {
		conn.SetReadLimit(u.readLimit)
	}
	return newWebsocketConn(conn), nil
}

func (ws *WebSocketServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, "query", func(ctx context.Context, sessionID string, conn Conn) {
		NewQuerySession(sessionID, conn, ws.client, ws.codec, ws.logger, ws.metrics).Run(ctx)
	})
}

func (ws *WebSocketServer) handleStream(w http.ResponseWriter, r *http.Request) {
	ws.serve(w, r, "stream", func(ctx context.Context, sessionID string, conn Conn) {
		NewFrameStreamSession(sessionID, conn, ws.camera, ws.logger, ws.metrics).Run(ctx)
	})
}

// serve 鉴权、升级连接并在当前 goroutine 中运行会话，会话结束后释放连接
func (ws *WebSocketServer) serve(w http.ResponseWriter, r *http.Request, kind string, run func(ctx context.Context, sessionID string, conn Conn)) {
	if ws.auth != nil {
		if _, err := ws.auth.VerifyRequest(r); err != nil {
			ws.logger.Warn("WebSocket鉴权失败", map[string]interface{}{
				"remote": r.RemoteAddr,
				"error":  err.Error(),
			})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if ws.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("WebSocket升级失败: %v", err))
		return
	}

	sessionID := uuid.New().String()
	ws.admitMu.Lock()
	if ws.baseCtx.Err() != nil {
		ws.admitMu.Unlock()
		conn.Close()
		return
	}
	ws.activeConnections.Store(sessionID, conn)
	ws.sessions.Add(1)
	ws.admitMu.Unlock()
	ws.metrics.SessionOpened(kind)

	defer func() {
		conn.Close()
		ws.activeConnections.Delete(sessionID)
		ws.metrics.SessionClosed(kind)
		ws.sessions.Done()
	}()

	ws.logger.Info("会话已建立", map[string]interface{}{
		"session_id": sessionID,
		"kind":       kind,
		"remote":     r.RemoteAddr,
	})
	run(ws.baseCtx, sessionID, conn)
	ws.logger.Info("会话已结束", map[string]interface{}{
		"session_id": sessionID,
		"kind":       kind,
	})
}
