// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"bmw-assistant-go/internal/attachment"
	"bmw-assistant-go/internal/config"
	"bmw-assistant-go/internal/handler"
	"bmw-assistant-go/internal/middleware"
	"bmw-assistant-go/internal/pipeline"
	"bmw-assistant-go/internal/repository"
	"bmw-assistant-go/internal/service"
	"bmw-assistant-go/pkg/database"
	"bmw-assistant-go/pkg/events"
	"bmw-assistant-go/pkg/ingest"
	"bmw-assistant-go/pkg/kafka"
	"bmw-assistant-go/pkg/llm"
	"bmw-assistant-go/pkg/log"
	"bmw-assistant-go/pkg/token"
)

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("BMW_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化会话存储
	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("会话存储初始化失败: %v", err)
	}
	if database.RDB != nil {
		defer database.RDB.Close()
	}

	// 4. 初始化投递事件流，未配置 broker 时不发送
	var publisher events.Publisher = events.Nop()
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		publisher = producer
	}

	// 5. 初始化外部接口客户端
	baseURL := cfg.Chat.ResolveBaseURL(cfg.Server.Mode)
	log.Infof("API 根地址: %s", baseURL)
	llmClient := llm.NewClient(baseURL, cfg.Chat.CompletionPath, cfg.Chat.CompletionTimeout)
	ingestClient := ingest.NewClient(baseURL, cfg.Chat.IngestionPath, cfg.Chat.IngestionTimeout)
	encoder := attachment.NewEncoder(cfg.Upload.MaxBytes)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours)

	// 6. 每个面板拥有独立的预览注册表、上传管道与存储键
	panels := service.NewPanelService(func(clientID string) *service.SessionManager {
		previews := attachment.NewPreviewRegistry()
		return service.NewSessionManager(service.SessionOptions{
			ClientID:  clientID,
			Encoder:   encoder,
			Previews:  previews,
			Uploader:  pipeline.NewProcessor(ingestClient, previews),
			Completer: llmClient,
			Repo:      repository.NewConversationRepository(store, cfg.Storage.Key+":"+clientID, cfg.Chat.Greeting),
			Publisher: publisher,
			Locale:    cfg.Chat.Locale,
			Greeting:  cfg.Chat.Greeting,
			Apology:   cfg.Chat.Apology,
		})
	})
	defer panels.DisposeAll()

	evictCtx, stopEvictor := context.WithCancel(context.Background())
	defer stopEvictor()
	go service.RunEvictor(evictCtx, panels, cfg.Panel.SweepInterval, cfg.Panel.IdleTimeout)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.MaxMultipartMemory = cfg.Upload.MaxBytes * 2
	r.Use(middleware.RequestLogger(), gin.Recovery())
	handler.RegisterRoutes(r, panels, jwtManager, cfg.Upload.MaxBytes)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// newStore 根据 storage.type 选择会话存储后端。
func newStore(cfg config.Config) (repository.KeyValueStore, error) {
	switch cfg.Storage.Type {
	case "redis":
		rdb, err := database.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		return repository.NewRedisStore(rdb, cfg.Storage.TTL), nil
	case "file":
		return repository.NewFileStore(cfg.Storage.DataDir)
	case "memory":
		log.Warnf("使用内存存储, 重启后会话记录将丢失")
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}
