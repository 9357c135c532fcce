package accesscontrol

import (
	"strings"
	"sync"

	xerrors "StratVault-Chain/internal/errors"
)

// Identity 表示一次调用的主体身份，例如用户地址或组件服务地址。
type Identity string

// Role 表示在资金托管流程中被授权的组件角色。
type Role string

const (
	// RoleRouter 是被授权调用 Ledger 策略入口的调度组件身份。
	RoleRouter Role = "router"
	// RoleLedger 是被授权调用 Router 资金入口的账本组件身份。
	RoleLedger Role = "ledger"
	// RoleTransport 是被信任的跨链消息投递方身份。
	RoleTransport Role = "transport"
	// RoleBridge 是桥组件自身的身份。
	RoleBridge Role = "bridge"
)

var (
	// ErrOnlyOwner 表示调用方不是系统属主。
	ErrOnlyOwner = xerrors.New(CodeOnlyOwner, "caller is not the owner")
	// ErrOnlyRouter 表示调用方不是被授权的调度身份。
	ErrOnlyRouter = xerrors.New(CodeOnlyRouter, "caller is not the trusted router")
)

const (
	CodeOnlyOwner  xerrors.Code = "ONLY_OWNER"
	CodeOnlyRouter xerrors.Code = "ONLY_ROUTER"
)

func init() {
	xerrors.Register(CodeOnlyOwner, xerrors.Attributes{
		Message:   "caller is not the owner",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOnlyRouter, xerrors.Attributes{
		Message:   "caller is not the trusted router",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Registry 保存系统属主与各组件角色的身份绑定。
// 所有绑定只能由属主修改，对应链上合约里的 setRouter/setBridge 一类入口。
type Registry struct {
	mu    sync.RWMutex
	owner Identity
	roles map[Role]Identity
}

// NewRegistry 以给定属主身份创建注册表。
func NewRegistry(owner Identity) *Registry {
	return &Registry{
		owner: normalize(owner),
		roles: make(map[Role]Identity),
	}
}

// Owner 返回系统属主身份。
func (r *Registry) Owner() Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// Bind 由属主将某个角色绑定到指定身份。重复绑定会覆盖旧值。
func (r *Registry) Bind(caller Identity, role Role, id Identity) error {
	if err := r.RequireOwner(caller); err != nil {
		return err
	}
	if strings.TrimSpace(string(id)) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = normalize(id)
	return nil
}

// IdentityOf 返回某个角色当前绑定的身份，未绑定时返回空。
func (r *Registry) IdentityOf(role Role) Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[role]
}

// IsOwner 判断调用方是否为属主。
func (r *Registry) IsOwner(caller Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner != "" && normalize(caller) == r.owner
}

// HasRole 判断调用方是否持有指定角色。
func (r *Registry) HasRole(caller Identity, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bound, ok := r.roles[role]
	return ok && bound != "" && normalize(caller) == bound
}

// RequireOwner 校验调用方必须是属主。
func (r *Registry) RequireOwner(caller Identity) error {
	if !r.IsOwner(caller) {
		return ErrOnlyOwner
	}
	return nil
}

// RequireRole 校验调用方必须持有指定角色。
func (r *Registry) RequireRole(caller Identity, role Role) error {
	if !r.HasRole(caller, role) {
		return ErrOnlyRouter
	}
	return nil
}

// RequireRoleOrOwner 校验调用方持有指定角色或为属主。
func (r *Registry) RequireRoleOrOwner(caller Identity, role Role) error {
	if r.IsOwner(caller) || r.HasRole(caller, role) {
		return nil
	}
	return ErrOnlyRouter
}

func normalize(id Identity) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(string(id))))
}
