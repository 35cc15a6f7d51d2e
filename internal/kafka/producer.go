package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/segmentio/kafka-go"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

type Producer struct {
	writer     *kafka.Writer
	topic      string
	adminTopic string
	origin     string
	log        *logger.Logger
}

// NewProducer 连接Kafka并创建异步写入器，origin 标识本实例
func NewProducer(ctx context.Context, cfg config.KafkaConfig, origin string, log *logger.Logger) (*Producer, error) {
	// 获取分区数量
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.Topic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(cfg.Topic, cfg.AdminTopic)
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}
	log.Info("生产者检测到Kafka分区", "topic", cfg.Topic, "admin_topic", cfg.AdminTopic, "partitions", len(partitions))

	// Hash分区器按券编码路由，同一张券的事件保持顺序
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("发送优惠券事件失败", "count", len(messages), "error", err)
			}
		},
	}

	return &Producer{
		writer:     writer,
		topic:      cfg.Topic,
		adminTopic: cfg.AdminTopic,
		origin:     origin,
		log:        log,
	}, nil
}

// PublishCouponEvent 发送事件，管理事件同时写入管理主题
func (p *Producer) PublishCouponEvent(ctx context.Context, event *model.CouponEvent) error {
	msgs, err := p.messages(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("发送优惠券事件失败: %w", err)
	}
	return nil
}

func (p *Producer) messages(event *model.CouponEvent) ([]kafka.Message, error) {
	if event.ID == "" {
		event.ID = xid.New().String()
	}
	if event.Origin == "" {
		event.Origin = p.origin
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化优惠券事件失败: %w", err)
	}

	key := []byte(event.CouponCode)
	msgs := []kafka.Message{{Topic: p.topic, Key: key, Value: data, Time: event.OccurredAt}}
	if isAdminEvent(event.Type) && p.adminTopic != "" {
		msgs = append(msgs, kafka.Message{Topic: p.adminTopic, Key: key, Value: data, Time: event.OccurredAt})
	}
	return msgs, nil
}

func isAdminEvent(t model.EventType) bool {
	switch t {
	case model.EventCreated, model.EventDeleted, model.EventDisabled, model.EventRestocked:
		return true
	default:
		return false
	}
}

// Close 关闭Kafka生产者，等待异步批次发送完成
func (p *Producer) Close() error {
	return p.writer.Close()
}
