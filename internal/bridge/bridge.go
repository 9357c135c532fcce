package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"StratVault-Chain/internal/accesscontrol"
	xerrors "StratVault-Chain/internal/errors"
	"StratVault-Chain/internal/observability/metrics"
	"StratVault-Chain/pkg/logger"
)

// 跨链桥错误码
const (
	CodeChainNotAllowed         xerrors.Code = "CHAIN_NOT_ALLOWED"
	CodeInvalidReceiver         xerrors.Code = "INVALID_RECEIVER"
	CodeInsufficientFees        xerrors.Code = "INSUFFICIENT_FEES"
	CodeMessageAlreadyProcessed xerrors.Code = "MESSAGE_ALREADY_PROCESSED"
)

var (
	// ErrChainNotAllowed 表示目标链未启用。
	ErrChainNotAllowed = xerrors.New(CodeChainNotAllowed, "destination chain is not allowed")
	// ErrInvalidReceiver 表示目标链没有配置远端接收方。
	ErrInvalidReceiver = xerrors.New(CodeInvalidReceiver, "remote receiver is not configured")
	// ErrInsufficientFees 表示手续费余额低于传输层报价。
	ErrInsufficientFees = xerrors.New(CodeInsufficientFees, "fee balance is below the quoted fee")
	// ErrMessageAlreadyProcessed 表示该消息已经被处理过。
	// 这不是可重试错误：效果已经发生，绝不能重复。
	ErrMessageAlreadyProcessed = xerrors.New(CodeMessageAlreadyProcessed, "inbound message already processed")
)

func init() {
	xerrors.Register(CodeChainNotAllowed, xerrors.Attributes{
		Message:   "destination chain is not allowed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidReceiver, xerrors.Attributes{
		Message:   "remote receiver is not configured",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFees, xerrors.Attributes{
		Message:   "fee balance is below the quoted fee",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeMessageAlreadyProcessed, xerrors.Attributes{
		Message:   "inbound message already processed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Service 拥有目标链路由配置和入站消息去重集合，负责出站发送
// 与入站的恰好一次入账。
type Service struct {
	mu        sync.Mutex
	acl       *accesscontrol.Registry
	transport Sender
	processed ProcessedSet

	localChainID uint64
	localSender  string
	routes       map[uint64]*Route

	// 桥自身的两项托管余额：基础资产与手续费资产
	baseBalance  int64
	feeBalance   int64
	inboundTotal int64
}

// Option 定义可选配置。
type Option func(*Service)

// WithRoutes 以预加载的路由表初始化服务。
func WithRoutes(defs RouteDefinitions) Option {
	return func(s *Service) {
		for _, route := range defs.Routes {
			r := route
			s.routes[r.ChainID] = &r
		}
	}
}

// WithLocalSender 设置出站消息携带的本链发送方标识。
func WithLocalSender(sender string) Option {
	return func(s *Service) {
		if strings.TrimSpace(sender) != "" {
			s.localSender = sender
		}
	}
}

// NewService 构造跨链桥。
func NewService(acl *accesscontrol.Registry, transport Sender, processed ProcessedSet, localChainID uint64, opts ...Option) *Service {
	s := &Service{
		acl:          acl,
		transport:    transport,
		processed:    processed,
		localChainID: localChainID,
		localSender:  "stratvault-bridge",
		routes:       make(map[uint64]*Route),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ConfigureChain 由属主启用一条目标链并登记远端接收方。
func (s *Service) ConfigureChain(_ context.Context, caller accesscontrol.Identity, chainID uint64, remoteReceiver string) error {
	if err := s.acl.RequireOwner(caller); err != nil {
		return err
	}
	if strings.TrimSpace(remoteReceiver) == "" {
		return ErrInvalidReceiver
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routes[chainID] = &Route{ChainID: chainID, Allowed: true, RemoteReceiver: remoteReceiver}
	logger.Audit().Info("目标链已启用",
		slog.Uint64("chain_id", chainID),
		slog.String("remote_receiver", remoteReceiver),
	)
	return nil
}

// DisableChain 由属主禁用目标链，只翻转启用标记，接收方保留。
func (s *Service) DisableChain(_ context.Context, caller accesscontrol.Identity, chainID uint64) error {
	if err := s.acl.RequireOwner(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[chainID]
	if !ok {
		return ErrChainNotAllowed
	}
	route.Allowed = false
	logger.Audit().Warn("目标链已禁用", slog.Uint64("chain_id", chainID))
	return nil
}

// ValidateRoute 校验目标链已启用且配置了接收方。
func (s *Service) ValidateRoute(chainID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateRouteLocked(chainID)
}

func (s *Service) validateRouteLocked(chainID uint64) error {
	route, ok := s.routes[chainID]
	if !ok || !route.Allowed {
		return ErrChainNotAllowed
	}
	if strings.TrimSpace(route.RemoteReceiver) == "" {
		return ErrInvalidReceiver
	}
	return nil
}

// Routes 返回当前路由表快照。
func (s *Service) Routes() []Route {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Route, 0, len(s.routes))
	for _, route := range s.routes {
		out = append(out, *route)
	}
	return out
}

// EstimateFee 构造出站消息并向传输层询价，无副作用。
func (s *Service) EstimateFee(ctx context.Context, chainID uint64, amount int64, payload []byte) (int64, error) {
	if s.transport == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置传输层")
	}
	s.mu.Lock()
	msg := s.buildMessageLocked(chainID, amount, payload)
	s.mu.Unlock()
	return s.transport.EstimateFee(ctx, chainID, msg)
}

func (s *Service) buildMessageLocked(chainID uint64, amount int64, payload []byte) Message {
	receiver := ""
	if route, ok := s.routes[chainID]; ok {
		receiver = route.RemoteReceiver
	}
	return Message{
		SourceChainID: s.localChainID,
		Sender:        s.localSender,
		Receiver:      receiver,
		Payload:       payload,
		Amount:        amount,
	}
}

// BridgeTokens 把基础资产和负载发往目标链，返回传输层签发的消息 ID。
// 路由校验在拉取资金之前完成；发送失败时资金退回调用方，不留在桥内。
func (s *Service) BridgeTokens(ctx context.Context, caller accesscontrol.Identity, chainID uint64, amount int64, payload []byte) (string, error) {
	if err := s.acl.RequireRoleOrOwner(caller, accesscontrol.RoleRouter); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数")
	}
	if s.transport == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置传输层")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateRouteLocked(chainID); err != nil {
		return "", err
	}

	msg := s.buildMessageLocked(chainID, amount, payload)
	fee, err := s.transport.EstimateFee(ctx, chainID, msg)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "获取手续费报价失败")
	}
	if s.feeBalance < fee {
		return "", ErrInsufficientFees
	}

	// 路由与手续费都通过后才把资产拉入桥托管
	s.baseBalance += amount
	messageID, err := s.transport.Send(ctx, chainID, msg)
	if err != nil {
		s.baseBalance -= amount
		return "", xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送跨链消息失败")
	}
	s.feeBalance -= fee
	s.baseBalance -= amount
	metrics.ObserveBridgeMessage("outbound", amount)

	logger.Audit().Info("跨链消息已发出",
		slog.String("message_id", messageID),
		slog.Uint64("destination_chain_id", chainID),
		slog.Int64("amount", amount),
		slog.Int64("fee", fee),
	)
	return messageID, nil
}

// ReceiveMessage 是入站消息的唯一入口，只接受可信传输身份的调用。
// 去重集合保证每条消息恰好入账一次。
func (s *Service) ReceiveMessage(ctx context.Context, caller accesscontrol.Identity, msg Message) error {
	if err := s.acl.RequireRole(caller, accesscontrol.RoleTransport); err != nil {
		return err
	}
	if s.processed == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置去重集合")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh, err := s.processed.MarkProcessed(ctx, msg.ID)
	if err != nil {
		return err
	}
	if !fresh {
		return ErrMessageAlreadyProcessed
	}

	s.baseBalance += msg.Amount
	s.inboundTotal += msg.Amount
	metrics.ObserveBridgeMessage("inbound", msg.Amount)
	logger.Audit().Info("入站消息已入账",
		slog.String("message_id", msg.ID),
		slog.Uint64("source_chain_id", msg.SourceChainID),
		slog.String("sender", msg.Sender),
		slog.Int64("amount", msg.Amount),
	)
	return nil
}

// FundFees 由属主为桥充值手续费资产。
func (s *Service) FundFees(_ context.Context, caller accesscontrol.Identity, amount int64) error {
	if err := s.acl.RequireOwner(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "金额必须为正数")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeBalance += amount
	return nil
}

// SweepFees 由属主清空手续费资产余额，返回清出的数量。
func (s *Service) SweepFees(_ context.Context, caller accesscontrol.Identity) (int64, error) {
	if err := s.acl.RequireOwner(caller); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := s.feeBalance
	s.feeBalance = 0
	logger.Audit().Info("手续费余额已清出", slog.Int64("amount", swept))
	return swept, nil
}

// SweepBase 由属主清空基础资产余额，返回清出的数量。
func (s *Service) SweepBase(_ context.Context, caller accesscontrol.Identity) (int64, error) {
	if err := s.acl.RequireOwner(caller); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := s.baseBalance
	s.baseBalance = 0
	logger.Audit().Info("基础资产余额已清出", slog.Int64("amount", swept))
	return swept, nil
}

// FeeBalance 返回当前手续费资产余额。
func (s *Service) FeeBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeBalance
}

// BaseBalance 返回当前基础资产余额。
func (s *Service) BaseBalance() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseBalance
}

// InboundTotal 返回累计入站入账总额。
func (s *Service) InboundTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundTotal
}

// Close 释放传输层与去重集合资源。
func (s *Service) Close() error {
	var firstErr error
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			firstErr = err
		}
	}
	if s.processed != nil {
		if err := s.processed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
