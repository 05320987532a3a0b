package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/model"
)

type Consumer struct {
	readers []*kafka.Reader
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type MessageHandler func(ctx context.Context, event *model.VoteEvent) error

func NewConsumer(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) (*Consumer, error) {
	logger = logger.Named("kafka")
	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = 1
	}

	readers := make([]*kafka.Reader, 0, numWorkers)

	if cfg.GroupID != "" {
		// 消费者组模式: 同组的多个reader由Kafka分配分区
		for i := 0; i < numWorkers; i++ {
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:  cfg.Brokers,
				Topic:    cfg.Topic,
				GroupID:  cfg.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6, // 10MB
			}))
		}
		logger.Info("创建消费者组Reader", zap.String("group_id", cfg.GroupID), zap.Int("readers", len(readers)))
	} else {
		// 分区模式: 每个工作线程处理自己的特定分区
		partitions, err := topicPartitions(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("读取分区信息失败: %w", err)
		}
		if len(partitions) == 0 {
			return nil, fmt.Errorf("主题 %s 没有分区", cfg.Topic)
		}
		numWorkers = min(numWorkers, len(partitions))
		for i := 0; i < numWorkers; i++ {
			partition := partitions[i%len(partitions)]
			readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
				Brokers:   cfg.Brokers,
				Topic:     cfg.Topic,
				Partition: partition,
				MinBytes:  1,
				MaxBytes:  10e6,
			}))
			logger.Info("消费者工作线程分配分区", zap.Int("worker", i), zap.Int("partition", partition))
		}
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		readers: readers,
		logger:  logger,
		ctx:     consumerCtx,
		cancel:  cancel,
	}, nil
}

// StartConsuming 开始消费消息，使用多个goroutine并发消费
func (c *Consumer) StartConsuming(handler MessageHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}

	c.logger.Info("Kafka消费者工作线程已启动", zap.Int("workers", len(c.readers)))
}

// consumeMessages 单个消费者goroutine的消费逻辑
func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler MessageHandler) {
	log := c.logger.With(zap.Int("worker", workerID))

	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				log.Info("消费者工作线程收到停止信号")
				return
			}
			log.Warn("读取消息失败", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var event model.VoteEvent
		if err := json.Unmarshal(m.Value, &event); err != nil {
			log.Warn("解析消息失败", zap.Int64("offset", m.Offset), zap.Error(err))
			continue
		}

		if err := handler(c.ctx, &event); err != nil {
			log.Warn("处理消息失败", zap.Uint("vote_id", event.VoteID), zap.Error(err))
		}
	}
}

// Stop 停止消费
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for i, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭消费者 #%d 失败: %w", i, err))
		}
	}

	c.logger.Info("所有Kafka消费者工作线程已停止")
	return errors.Join(errs...)
}
