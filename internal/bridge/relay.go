package bridge

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"StratVault-Chain/internal/accesscontrol"
	xerrors "StratVault-Chain/internal/errors"
	"StratVault-Chain/internal/observability/alerting"
	"StratVault-Chain/pkg/logger"
)

// MessageReceiver 定义了中继所需的入账能力。
type MessageReceiver interface {
	ReceiveMessage(ctx context.Context, caller accesscontrol.Identity, msg Message) error
}

// InboundRelay 从传输层消费入站消息并交给桥入账。重复投递在这里
// 被识别并确认掉，不会触发重投；入账失败的消息留在队列里等待重试。
type InboundRelay struct {
	receiver    MessageReceiver
	consumer    Consumer
	identity    accesscontrol.Identity
	workerCount int
	alerter     alerting.Dispatcher
}

// RelayOption 定义可选配置。
type RelayOption func(*InboundRelay)

// WithRelayWorkerCount 设置消费协程数量。
func WithRelayWorkerCount(workers int) RelayOption {
	return func(r *InboundRelay) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithRelayAlerts 配置告警派发器。
func WithRelayAlerts(dispatcher alerting.Dispatcher) RelayOption {
	return func(r *InboundRelay) {
		r.alerter = dispatcher
	}
}

// NewInboundRelay 构造中继。identity 是中继在桥侧注册的可信传输身份。
func NewInboundRelay(receiver MessageReceiver, consumer Consumer, identity accesscontrol.Identity, opts ...RelayOption) *InboundRelay {
	r := &InboundRelay{
		receiver:    receiver,
		consumer:    consumer,
		identity:    identity,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start 启动入站消费循环，阻塞到 ctx 取消。
func (r *InboundRelay) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置入站消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

func (r *InboundRelay) handle(ctx context.Context, msg Message) error {
	if r.receiver == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "中继未初始化")
	}

	err := r.receiver.ReceiveMessage(ctx, r.identity, msg)
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, ErrMessageAlreadyProcessed) {
		// 至少一次投递的正常现象，确认掉即可
		logger.L().Debug("跳过重复投递的入站消息", slog.String("message_id", msg.ID))
		return nil
	}

	logger.L().Error("入站消息入账失败",
		slog.Any("error", err),
		slog.String("message_id", msg.ID),
		slog.Uint64("source_chain_id", msg.SourceChainID),
	)
	if r.alerter != nil && xerrors.ShouldAlert(err) {
		event := alerting.Event{
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			MessageID:  msg.ID,
			ChainID:    msg.SourceChainID,
			Amount:     msg.Amount,
			OccurredAt: time.Now(),
		}
		if notifyErr := r.alerter.Notify(ctx, event); notifyErr != nil {
			logger.L().Error("告警通知失败",
				slog.Any("error", notifyErr),
				slog.String("message_id", msg.ID),
			)
		}
	}
	// 返回错误让传输层重新投递
	return err
}
