package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
	"github.com/lvdashuaibi/facevote/internal/model"
)

type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewProducer(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) (*Producer, error) {
	logger = logger.Named("kafka")

	// 连接leader确认主题可用
	partitions, err := topicPartitions(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}
	logger.Info("生产者检测到Kafka主题分区",
		zap.String("topic", cfg.Topic), zap.Int("partitions", len(partitions)))

	// 使用Hash分区器，同一候选人的事件进入同一分区
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}, nil
}

// topicPartitions 获取主题的分区ID
func topicPartitions(ctx context.Context, cfg config.KafkaConfig) ([]int, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, err
	}

	var ids []int
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			ids = append(ids, p.ID)
		}
	}
	return ids, nil
}

// SendVoteEvent 发送投票事件到Kafka
func (p *Producer) SendVoteEvent(ctx context.Context, event *model.VoteEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化投票事件失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.NomineeName),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送投票事件失败: %w", err)
	}

	p.logger.Debug("已发送投票事件", zap.Uint("vote_id", event.VoteID), zap.String("nominee", event.NomineeName))
	return nil
}

// Close 关闭Kafka生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
