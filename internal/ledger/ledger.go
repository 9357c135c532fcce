package ledger

import (
	stdErrors "errors"

	xerrors "StratVault-Chain/internal/errors"
)

// Status 表示策略在生命周期中的状态。
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusExecuted Status = "executed"
)

// Allocation 描述策略中的一条资金分配。DestinationChainID 为 0 表示本链协议。
type Allocation struct {
	DestinationChainID uint64 `json:"destination_chain_id"`
	Target             string `json:"target"`
	AssetID            string `json:"asset_id"`
	Amount             int64  `json:"amount"`
	ExpectedYieldBps   int64  `json:"expected_yield_bps"`
}

// Strategy 描述一个用户资金的分配计划。Approved 与 Executed 只会从 false 变为
// true，Executed 之后整条记录不再变化。
type Strategy struct {
	ID          uint64       `json:"id"`
	Owner       string       `json:"owner"`
	Allocations []Allocation `json:"allocations"`
	TotalAmount int64        `json:"total_amount"`
	Approved    bool         `json:"approved"`
	Executed    bool         `json:"executed"`
	CreatedAt   int64        `json:"created_at"`
	UpdatedAt   int64        `json:"updated_at"`
}

// Status 返回策略当前所处的生命周期阶段。
func (s *Strategy) Status() Status {
	switch {
	case s == nil:
		return ""
	case s.Executed:
		return StatusExecuted
	case s.Approved:
		return StatusApproved
	default:
		return StatusProposed
	}
}

// Position 记录一个用户的可用余额与当前生效的策略。首次入金时创建，之后不会删除。
type Position struct {
	Owner            string `json:"owner"`
	AvailableBalance int64  `json:"available_balance"`
	TotalDeposited   int64  `json:"total_deposited"`
	ActiveStrategyID uint64 `json:"active_strategy_id"`
	CreatedAt        int64  `json:"created_at"`
	UpdatedAt        int64  `json:"updated_at"`
}

var (
	// ErrInvalidAmount 表示金额非法，例如入金为零。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrInsufficientBalance 表示用户可用余额不足。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrStrategyNotFound 表示指定的策略不存在。
	ErrStrategyNotFound = xerrors.New(CodeStrategyNotFound, "strategy not found")
	// ErrStrategyNotApproved 表示策略尚未获得属主批准。
	ErrStrategyNotApproved = xerrors.New(CodeStrategyNotApproved, "strategy not approved")
	// ErrStrategyAlreadyExecuted 表示策略已经执行，不能再推进。
	ErrStrategyAlreadyExecuted = xerrors.New(CodeStrategyExecuted, "strategy already executed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStalePriceFeed 表示预言机价格超出允许的时效窗口。
	ErrStalePriceFeed = xerrors.New(CodeStalePriceFeed, "price feed is stale", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeStrategyNotFound    xerrors.Code = "STRATEGY_NOT_FOUND"
	CodeStrategyNotApproved xerrors.Code = "STRATEGY_NOT_APPROVED"
	CodeStrategyExecuted    xerrors.Code = "STRATEGY_ALREADY_EXECUTED"
	CodeStalePriceFeed      xerrors.Code = "STALE_PRICE_FEED"
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "invalid amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStrategyNotFound, xerrors.Attributes{
		Message:   "strategy not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStrategyNotApproved, xerrors.Attributes{
		Message:   "strategy not approved",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStrategyExecuted, xerrors.Attributes{
		Message:   "strategy already executed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStalePriceFeed, xerrors.Attributes{
		Message:   "price feed is stale",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsLedgerError 判断错误是否对应指定的账本错误码。
func IsLedgerError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeInvalidAmount:
		return stdErrors.Is(err, ErrInvalidAmount)
	case CodeInsufficientBalance:
		return stdErrors.Is(err, ErrInsufficientBalance)
	case CodeStrategyNotFound:
		return stdErrors.Is(err, ErrStrategyNotFound)
	case CodeStrategyNotApproved:
		return stdErrors.Is(err, ErrStrategyNotApproved)
	case CodeStrategyExecuted:
		return stdErrors.Is(err, ErrStrategyAlreadyExecuted)
	case CodeStalePriceFeed:
		return stdErrors.Is(err, ErrStalePriceFeed)
	default:
		return false
	}
}

func cloneStrategy(s *Strategy) *Strategy {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Allocations = append([]Allocation(nil), s.Allocations...)
	return &clone
}

func clonePosition(p *Position) *Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
