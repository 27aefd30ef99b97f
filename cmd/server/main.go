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

	"printflow-go/internal/config"
	"printflow-go/internal/handler"
	"printflow-go/internal/middleware"
	"printflow-go/internal/pipeline"
	"printflow-go/internal/repository"
	"printflow-go/internal/service"
	"printflow-go/pkg/chat"
	"printflow-go/pkg/database"
	"printflow-go/pkg/kafka"
	"printflow-go/pkg/log"
	"printflow-go/pkg/sheet"
	"printflow-go/pkg/storage"
	"printflow-go/pkg/tasks"

	"github.com/gin-gonic/gin"
)

// kafkaProducer 把全局 Kafka 生产者适配到 service.TaskProducer 接口。
type kafkaProducer struct{}

func (kafkaProducer) Produce(task tasks.SubmissionTask) error {
	return kafka.ProduceSubmissionTask(task)
}

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	if err := cfg.Validate(); err != nil {
		log.Fatal("配置校验失败", err)
	}

	// 3. 初始化 Redis、MinIO 和 Kafka
	database.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化外部服务客户端和 Repository
	chatClient := chat.NewClient(cfg.Chat)
	sheetClient := sheet.NewClient(cfg.Sheet)
	store := storage.NewStore(cfg.MinIO)
	optionRepo := repository.NewOptionRepository(database.RDB, sheetClient, cfg.Sheet)

	// 5. 初始化 Service (依赖注入)
	submissionService := service.NewSubmissionService(cfg.Submission)
	eventService := service.NewEventService(submissionService, kafkaProducer{}, chatClient, store, optionRepo, cfg.Submission)

	// 6. 初始化上传记录管道 (Processor)
	processor := pipeline.NewProcessor(chatClient, store, sheetClient)

	// 7. 启动后台 Kafka 消费者和过期清扫
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	go kafka.StartConsumer(cfg.Kafka, processor)
	submissionService.StartSweeper(rootCtx, time.Duration(cfg.Submission.SweepIntervalSeconds)*time.Second)

	// 7.1 socket 模式下通过长连接接收事件，与 webhook 共用同一套分发逻辑
	if cfg.Chat.Mode == "socket" {
		socketClient := chat.NewSocketClient(cfg.Chat)
		go socketClient.Run(rootCtx, func(ctx context.Context, payload []byte) {
			handler.DispatchEventCallback(ctx, eventService, payload)
		})
		log.Info("事件接收模式: 长连接")
	} else {
		log.Info("事件接收模式: webhook 回调")
	}

	// 8. 设置 Gin 模式并创建路由引擎
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery(), middleware.SecurityHeaders())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// 平台回调路由组：先限流，再做签名校验
		bot := apiV1.Group("/bot")
		bot.Use(
			middleware.RateLimit(cfg.Server.RatePerSecond, cfg.Server.RateBurst),
			middleware.VerifySignature(cfg.Chat.SigningSecret),
		)
		{
			bot.POST("/command", handler.NewCommandHandler(eventService).Handle)
			bot.POST("/interactive", handler.NewInteractiveHandler(eventService, chatClient).Handle)
			bot.POST("/events", handler.NewEventHandler(eventService).Handle)
		}
	}

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

	// 先停掉长连接和清扫，再关 HTTP 服务器
	cancelRoot()

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
