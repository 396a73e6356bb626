// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"dataset-trainer-go/internal/app"
	"dataset-trainer-go/internal/config"
	"dataset-trainer-go/internal/handler"
	"dataset-trainer-go/internal/middleware"
	"dataset-trainer-go/pkg/log"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// .env 中的变量可覆盖配置文件，文件不存在时忽略
	_ = godotenv.Load()

	// 1. 初始化配置
	store, err := config.NewStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := store.Current()

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 组装存储、客户端与服务
	a, err := app.New(ctx, store)
	if err != nil {
		log.Fatal("初始化应用失败", err)
	}
	defer a.Close()

	// 4. 启动后台任务：训练 worker、对账、Kafka 消费者
	bg, bgCtx := errgroup.WithContext(ctx)
	bg.Go(func() error { return a.Worker.Run(bgCtx) })
	bg.Go(func() error { return a.Reconciler.Run(bgCtx, store) })
	if c := a.TrainingConsumer(); c != nil {
		bg.Go(func() error { return c.Run(bgCtx, a.Worker.WakeupHandler()) })
	}
	if c := a.UsageConsumer(); c != nil {
		bg.Go(func() error { return c.Run(bgCtx, a.Usage.Handler()) })
	}
	go watchReload(ctx, store)

	// 5. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	handler.Register(r.Group("/api/v1"), middleware.AuthMiddleware(a.JWT),
		handler.NewDatasetHandler(a.DatasetService),
		handler.NewCollectionHandler(a.CollectionService),
		handler.NewDataHandler(a.DataService),
		handler.NewSearchHandler(a.SearchService),
	)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// worker 退出前会释放租约，未完成的条目由其他实例重新领取
	if err := bg.Wait(); err != nil {
		log.Errorf("后台任务退出异常: %v", err)
	}
	log.Info("服务已优雅关闭")
}

// watchReload 收到 SIGHUP 时重新加载配置，新的快照对之后领取的训练批次生效。
func watchReload(ctx context.Context, store *config.Store) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := store.Reload(); err != nil {
				log.Errorf("重新加载配置失败，继续使用旧配置: %v", err)
				continue
			}
			log.Info("配置已重新加载")
		}
	}
}
