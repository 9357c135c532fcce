package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "StratVault-Chain/internal/errors"
)

// AMQPConfig 描述基于 RabbitMQ 的跨链传输参数。
type AMQPConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
	// FlatFee 是每条消息的基础手续费。
	FlatFee int64
}

// AMQPTransport 用 RabbitMQ 承载跨链消息。投递语义是至少一次：
// 消费失败的消息会被重新入队。
type AMQPTransport struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	flatFee int64
}

// NewAMQPTransport 创建 RabbitMQ 传输实例。
func NewAMQPTransport(cfg AMQPConfig) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "stratvault.bridge"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明 RabbitMQ 队列失败")
	}
	flatFee := cfg.FlatFee
	if flatFee <= 0 {
		flatFee = 1
	}
	return &AMQPTransport{conn: conn, ch: ch, queue: queue, flatFee: flatFee}, nil
}

// EstimateFee 返回基础费加负载长度的报价。
func (t *AMQPTransport) EstimateFee(_ context.Context, _ uint64, msg Message) (int64, error) {
	return t.flatFee + int64(len(msg.Payload)), nil
}

// Send 签发消息 ID 并投递到队列。
func (t *AMQPTransport) Send(ctx context.Context, destinationChainID uint64, msg Message) (string, error) {
	if t == nil || t.ch == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "传输层未初始化")
	}
	msg.ID = uuid.NewString()
	body, err := json.Marshal(msg)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码跨链消息失败")
	}
	err = t.ch.PublishWithContext(ctx, "", t.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Headers:     amqp.Table{"destination_chain_id": int64(destinationChainID)},
		Body:        body,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, fmt.Sprintf("发送跨链消息到链 %d 失败", destinationChainID))
	}
	return msg.ID, nil
}

// Consume 使用手动确认模式消费入站消息。处理失败的消息重新入队，
// 由接收方的去重集合保证重复投递无副作用。
func (t *AMQPTransport) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if t == nil || t.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "传输层未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := t.ch.Consume(t.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-msgs:
					if !ok {
						return
					}
					var msg Message
					if err := json.Unmarshal(delivery.Body, &msg); err != nil {
						// 无法解码的消息重投也不会恢复，直接丢弃
						_ = delivery.Ack(false)
						continue
					}
					if msg.ID == "" {
						msg.ID = delivery.MessageId
					}
					if err := handler(ctx, msg); err != nil {
						_ = delivery.Nack(false, true)
						continue
					}
					_ = delivery.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (t *AMQPTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// ensure interface compliance at compile time
var _ Transport = (*AMQPTransport)(nil)
