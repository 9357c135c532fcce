package router

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "StratVault-Chain/internal/errors"
)

// poolABI 覆盖借贷池合约中 Router 用到的两个入口。
const poolABI = `[
  {"type":"function","name":"supply","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// erc20ApproveABI 只包含授权入口，配置协议时一次性授予无限支出额度。
const erc20ApproveABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// EVMAdapterConfig 描述一个链上借贷协议适配器。
type EVMAdapterConfig struct {
	// ID 是协议标识，同时作为本地分配腿的匹配键。
	ID string `json:"id"`
	// RPCURL 是 EVM 节点地址。
	RPCURL string `json:"rpc_url"`
	// ChainID 用于交易签名。
	ChainID int64 `json:"chain_id"`
	// Pool 是借贷池合约地址。
	Pool string `json:"pool"`
	// Asset 是基础资产的代币合约地址。
	Asset string `json:"asset"`
	// PrivateKey 是 Router 托管账户的签名私钥（hex）。
	PrivateKey string `json:"private_key"`
}

// EVMAdapter 通过绑定合约调用把资金存入链上借贷池。
type EVMAdapter struct {
	id     string
	client *ethclient.Client
	pool   *bind.BoundContract
	token  *bind.BoundContract
	poolTo common.Address
	asset  common.Address
	auth   *bind.TransactOpts
}

// NewEVMAdapter 连接节点并绑定借贷池合约。
func NewEVMAdapter(ctx context.Context, cfg EVMAdapterConfig) (*EVMAdapter, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置协议适配器 RPC 地址")
	}
	if strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置协议适配器签名私钥")
	}

	rpcClient, err := gethrpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接协议节点失败")
	}
	client := ethclient.NewClient(rpcClient)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构造交易签名器失败")
	}

	parsedPool, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析借贷池 ABI 失败")
	}
	parsedToken, err := abi.JSON(strings.NewReader(erc20ApproveABI))
	if err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析代币 ABI 失败")
	}

	poolAddr := common.HexToAddress(cfg.Pool)
	assetAddr := common.HexToAddress(cfg.Asset)
	return &EVMAdapter{
		id:     cfg.ID,
		client: client,
		pool:   bind.NewBoundContract(poolAddr, parsedPool, client, client, client),
		token:  bind.NewBoundContract(assetAddr, parsedToken, client, client, client),
		poolTo: poolAddr,
		asset:  assetAddr,
		auth:   auth,
	}, nil
}

// ID 实现 Adapter 接口。
func (a *EVMAdapter) ID() string { return a.id }

// Authorize 实现 Authorizer 接口：授予借贷池对基础资产的无限支出额度。
func (a *EVMAdapter) Authorize(ctx context.Context) error {
	opts := *a.auth
	opts.Context = ctx
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if _, err := a.token.Transact(&opts, "approve", a.poolTo, max); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "授予支出授权失败")
	}
	return nil
}

// Supply 实现 Adapter 接口。
func (a *EVMAdapter) Supply(ctx context.Context, _ string, amount int64) error {
	opts := *a.auth
	opts.Context = ctx
	if _, err := a.pool.Transact(&opts, "supply", a.asset, big.NewInt(amount)); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "调用协议存入失败")
	}
	return nil
}

// Withdraw 实现 Adapter 接口。
func (a *EVMAdapter) Withdraw(ctx context.Context, _ string, amount int64) error {
	opts := *a.auth
	opts.Context = ctx
	if _, err := a.pool.Transact(&opts, "withdraw", a.asset, big.NewInt(amount)); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "调用协议赎回失败")
	}
	return nil
}

// Close 释放节点连接。
func (a *EVMAdapter) Close() {
	if a != nil && a.client != nil {
		a.client.Close()
	}
}

// ensure interface compliance at compile time
var (
	_ Adapter    = (*EVMAdapter)(nil)
	_ Authorizer = (*EVMAdapter)(nil)
)
