package bridge

import (
	"context"
)

// Message 是跨链消息的统一载体。出站时由传输层签发 ID，
// 入站时原样携带来源链与发送方身份。
type Message struct {
	ID            string `json:"id"`
	SourceChainID uint64 `json:"source_chain_id"`
	Sender        string `json:"sender"`
	Receiver      string `json:"receiver"`
	Payload       []byte `json:"payload"`
	Amount        int64  `json:"amount"`
}

// Handler 处理一条入站消息。返回错误表示处理失败，消息会被重新投递。
type Handler func(ctx context.Context, msg Message) error

// Sender 负责出站消息的费用报价与发送。
type Sender interface {
	// EstimateFee 返回发送该消息的手续费报价，无副作用。
	EstimateFee(ctx context.Context, destinationChainID uint64, msg Message) (int64, error)
	// Send 发送消息并返回传输层签发的消息 ID。
	// 发送成功后没有任何召回手段。
	Send(ctx context.Context, destinationChainID uint64, msg Message) (string, error)
	Close() error
}

// Consumer 负责入站消息的投递。投递语义是至少一次：
// 同一条消息可能被投递多次，去重由接收方负责。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Transport 同时具备出站发送与入站消费能力。
type Transport interface {
	Sender
	Consumer
}
