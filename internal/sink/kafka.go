package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter 便于测试替换kafka.Writer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed 带分区键的记录,同一父实体的记录落在同一分区
type Keyed interface {
	PartitionKey() string
}

// KafkaSink 将记录写入Kafka主题
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink 创建Kafka输出
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w, topic: topic}
}

// NewKafkaSinkWithWriter 使用自定义writer
func NewKafkaSinkWithWriter(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Emit 序列化并写入一条消息
func (k *KafkaSink) Emit(ctx context.Context, record any) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}

	msg := kafka.Message{Value: value, Time: time.Now()}
	if keyed, ok := record.(Keyed); ok {
		msg.Key = []byte(keyed.PartitionKey())
	} else if m, ok := record.(map[string]any); ok {
		if parent, ok := m["#parent"].(string); ok {
			msg.Key = []byte(parent)
		}
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("写入Kafka主题 %s 失败: %w", k.topic, err)
	}
	return nil
}

// Close 关闭writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
