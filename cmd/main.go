package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/api/graph"
	"github.com/lvdashuaibi/facevote/internal/api/rest"
	"github.com/lvdashuaibi/facevote/internal/face"
	intkafka "github.com/lvdashuaibi/facevote/internal/kafka"
	"github.com/lvdashuaibi/facevote/internal/lock"
	"github.com/lvdashuaibi/facevote/internal/logging"
	"github.com/lvdashuaibi/facevote/internal/otp"
	"github.com/lvdashuaibi/facevote/internal/repository"
	"github.com/lvdashuaibi/facevote/internal/service"
)

const startupTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet("facevote", pflag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "配置文件路径")
	instanceID := fs.Int("instance", 1, "实例ID，用于区分多个实例，端口为 port+instance-1")
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(*configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("instance", *instanceID))

	if err := run(cfg, *instanceID, logger); err != nil {
		logger.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, instanceID int, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// 数据库
	store, err := repository.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer store.Close()
	logger.Info("数据库初始化成功", zap.String("driver", cfg.Database.Driver))

	// Redis缓存，未启用时不使用缓存
	var (
		cache     service.Cache
		otpCodes  otp.CodeStore
		redisRepo *repository.RedisRepository
	)
	if cfg.Redis.Enabled {
		redisRepo, err = repository.NewRedisRepository(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("初始化Redis仓库失败: %w", err)
		}
		defer redisRepo.Close()
		cache, otpCodes = redisRepo, redisRepo
		logger.Info("Redis仓库初始化成功")
	}

	// 分布式锁
	distributedLock, err := lock.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	defer distributedLock.Close()
	logger.Info("分布式锁初始化成功", zap.String("backend", cfg.Lock.Backend))

	// Kafka生产者
	var publisher service.EventPublisher
	if cfg.Kafka.Enabled {
		producer, err := intkafka.NewProducer(ctx, cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka生产者失败: %w", err)
		}
		defer producer.Close()
		publisher = producer
		logger.Info("Kafka生产者初始化成功")
	}

	gateway := face.NewFacePlusPlus(cfg.Face, logger)

	otpProvider, err := otp.New(cfg.OTP, otpCodes, logger)
	if err != nil {
		return fmt.Errorf("初始化验证码服务失败: %w", err)
	}

	voteService := service.NewVoteService(store, cache, publisher, distributedLock, gateway, cfg.Vote, cfg.Lock.TTL, logger)

	// 只有拿到种子锁的实例写入候选人目录
	if _, err := voteService.SeedCatalog(ctx, cfg.Database.SeedNominees); err != nil {
		return fmt.Errorf("写入候选人目录失败: %w", err)
	}

	// Kafka消费者，收到投票事件后清除计票缓存
	if cfg.Kafka.Enabled {
		consumer, err := intkafka.NewConsumer(ctx, cfg.Kafka, logger)
		if err != nil {
			return fmt.Errorf("初始化Kafka消费者失败: %w", err)
		}
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.Warn("停止Kafka消费者失败", zap.Error(err))
			}
		}()
		consumer.StartConsuming(voteService.ProcessVoteEvent)
		logger.Info("Kafka消费者已启动")
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := rest.NewHandler(voteService, otpProvider, store, logger)
	router := rest.NewRouter(cfg.Server, handler, logger)
	graphqlServer := graph.NewGraphQLServer(voteService, cfg.GraphQL.Path, logger)
	rest.MountGraphQL(router, cfg.GraphQL.Path, graphqlServer.Handler(), graphqlServer.Playground())

	// 计算端口，支持多实例
	port := cfg.Server.Port + instanceID - 1
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("FaceVote 服务已启动",
		zap.String("addr", fmt.Sprintf("http://localhost:%d", port)),
		zap.String("graphql", cfg.GraphQL.Path),
	)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("正在关闭服务...", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("HTTP服务异常: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("关闭HTTP服务失败: %w", err)
	}
	distributedLock.ReleaseAllLocks(shutdownCtx)
	return nil
}
