package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"

	xerrors "StratVault-Chain/internal/errors"
)

// MemoryTransport 使用 channel 模拟跨链消息传输，主要用于测试和本地开发。
// 出站消息直接回环成入站消息投递给本实例的消费者。
type MemoryTransport struct {
	ch     chan Message
	mu     sync.Mutex
	closed bool

	// FlatFee 是固定的手续费报价。
	FlatFee int64
	// DeliverTwice 置位后每条消息投递两次，用于演练至少一次语义。
	DeliverTwice bool
}

// NewMemoryTransport 创建内存传输。
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 64
	}
	return &MemoryTransport{ch: make(chan Message, size), FlatFee: 1}
}

// EstimateFee 返回固定报价加负载长度。
func (t *MemoryTransport) EstimateFee(_ context.Context, _ uint64, msg Message) (int64, error) {
	return t.FlatFee + int64(len(msg.Payload)), nil
}

// Send 签发消息 ID 并回环投递。
func (t *MemoryTransport) Send(ctx context.Context, _ uint64, msg Message) (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", xerrors.New(xerrors.CodeTransportFailure, "传输层已关闭")
	}

	msg.ID = uuid.NewString()
	deliveries := 1
	if t.DeliverTwice {
		deliveries = 2
	}
	for i := 0; i < deliveries; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case t.ch <- msg:
		}
	}
	return msg.ID, nil
}

// Consume 启动指定数量的工作协程消费入站消息。
func (t *MemoryTransport) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case msg, ok := <-t.ch:
					if !ok {
						return
					}
					_ = handler(ctx, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain 同步消费当前积压的全部消息，供测试使用。
func (t *MemoryTransport) Drain(ctx context.Context, handler Handler) error {
	for {
		select {
		case msg := <-t.ch:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Close 关闭传输。
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	return nil
}

// ensure interface compliance at compile time
var _ Transport = (*MemoryTransport)(nil)
