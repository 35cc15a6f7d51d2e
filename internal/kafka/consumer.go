package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Byuntil/coupon-system/config"
	"github.com/Byuntil/coupon-system/internal/logger"
	"github.com/Byuntil/coupon-system/internal/model"
)

const maxWorkers = 8

// EventHandler 处理一条管理事件
type EventHandler func(ctx context.Context, event *model.CouponEvent) error

// Consumer 消费管理主题，每个分区一个工作协程
type Consumer struct {
	readers []*kafka.Reader
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logger.Logger
}

func NewConsumer(ctx context.Context, cfg config.KafkaConfig, origin string, log *logger.Logger) (*Consumer, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", cfg.Brokers[0], cfg.AdminTopic, 0)
	if err != nil {
		return nil, fmt.Errorf("连接Kafka失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(cfg.AdminTopic)
	if err != nil {
		return nil, fmt.Errorf("读取分区信息失败: %w", err)
	}

	var ids []int
	for _, p := range partitions {
		if p.Topic == cfg.AdminTopic {
			ids = append(ids, p.ID)
		}
	}
	log.Info("检测到Kafka管理主题分区", "topic", cfg.AdminTopic, "partitions", len(ids))

	// 每个实例都要收到全部管理事件，所以按分区直接读，只读启动之后的新事件
	var readers []*kafka.Reader
	if len(ids) > 0 && len(ids) <= maxWorkers {
		for _, id := range ids {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:   cfg.Brokers,
				Topic:     cfg.AdminTopic,
				Partition: id,
				MinBytes:  1,
				MaxBytes:  10e6, // 10MB
			})
			// 分区模式下 StartOffset 不生效，需要显式定位
			if err := reader.SetOffset(kafka.LastOffset); err != nil {
				_ = reader.Close()
				for _, r := range readers {
					_ = r.Close()
				}
				return nil, fmt.Errorf("设置分区 %d 读取位置失败: %w", id, err)
			}
			readers = append(readers, reader)
		}
	} else {
		// 分区数未知或超过工作协程上限时用消费者组，组名带实例标识以保证广播
		groupID := cfg.GroupID + "-" + origin
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.AdminTopic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
		}))
		log.Info("使用消费者组模式", "group_id", groupID, "partitions", len(ids))
	}

	cctx, cancel := context.WithCancel(context.Background())
	return &Consumer{readers: readers, ctx: cctx, cancel: cancel, log: log}, nil
}

// StartConsuming 为每个 reader 启动一个工作协程
func (c *Consumer) StartConsuming(handler EventHandler) {
	for i, reader := range c.readers {
		c.wg.Add(1)
		go func(workerID int, r *kafka.Reader) {
			defer c.wg.Done()
			c.consumeMessages(workerID, r, handler)
		}(i, reader)
	}
	c.log.Info("Kafka消费者已启动", "workers", len(c.readers))
}

func (c *Consumer) consumeMessages(workerID int, reader *kafka.Reader, handler EventHandler) {
	for {
		m, err := reader.ReadMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || c.ctx.Err() != nil {
				return
			}
			c.log.Warn("读取Kafka消息失败", "worker", workerID, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
				return
			}
			continue
		}

		event, err := decodeEvent(m.Value)
		if err != nil {
			c.log.Warn("解析Kafka消息失败", "worker", workerID, "offset", m.Offset, "error", err)
			continue
		}
		if err := handler(c.ctx, event); err != nil {
			c.log.Error("处理管理事件失败", "worker", workerID, "type", event.Type,
				"code", event.CouponCode, "error", err)
		}
	}
}

func decodeEvent(value []byte) (*model.CouponEvent, error) {
	var event model.CouponEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return nil, err
	}
	if event.Type == "" || event.CouponCode == "" {
		return nil, fmt.Errorf("事件缺少类型或券编码")
	}
	return &event, nil
}

// Stop 停止消费并关闭所有 reader
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	var errs []error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.log.Info("Kafka消费者已停止")
	return errors.Join(errs...)
}
