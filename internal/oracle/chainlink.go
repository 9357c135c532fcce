package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// aggregatorABI is the subset of the chainlink aggregator interface the
// ledger needs for peg validation.
const aggregatorABI = `[
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
   "stateMutability":"view","type":"function"},
  {"inputs":[],"name":"decimals","outputs":[
    {"internalType":"uint8","name":"","type":"uint8"}],
   "stateMutability":"view","type":"function"}
]`

// ChainlinkConfig describes how to reach the on-chain price aggregator.
type ChainlinkConfig struct {
	RPCURL     string
	Aggregator string
}

// ChainlinkFeed reads the latest round from an on-chain aggregator contract.
type ChainlinkFeed struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract

	mu       sync.Mutex
	decimals *uint8
}

// NewChainlinkFeed dials the configured RPC endpoint and binds the
// aggregator contract.
func NewChainlinkFeed(ctx context.Context, cfg ChainlinkConfig) (*ChainlinkFeed, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置预言机 RPC 地址")
	}
	if !common.IsHexAddress(cfg.Aggregator) {
		return nil, fmt.Errorf("非法的聚合器地址: %s", cfg.Aggregator)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接预言机节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("解析聚合器 ABI 失败: %w", err)
	}

	contract := bind.NewBoundContract(common.HexToAddress(cfg.Aggregator), parsed, eth, eth, eth)
	return &ChainlinkFeed{rpcClient: rpcClient, eth: eth, contract: contract}, nil
}

// LatestRound implements the PriceFeed interface.
func (f *ChainlinkFeed) LatestRound(ctx context.Context) (Round, error) {
	if f == nil || f.contract == nil {
		return Round{}, errors.New("未初始化的预言机客户端")
	}

	decimals, err := f.loadDecimals(ctx)
	if err != nil {
		return Round{}, err
	}

	var out []any
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return Round{}, fmt.Errorf("读取 latestRoundData 失败: %w", err)
	}
	if len(out) != 5 {
		return Round{}, fmt.Errorf("latestRoundData 返回值数量异常: %d", len(out))
	}

	answer, ok := out[1].(*big.Int)
	if !ok {
		return Round{}, errors.New("latestRoundData answer 类型异常")
	}
	updatedAt, ok := out[3].(*big.Int)
	if !ok {
		return Round{}, errors.New("latestRoundData updatedAt 类型异常")
	}

	return Round{
		Price:     new(big.Int).Set(answer),
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
		Decimals:  decimals,
	}, nil
}

func (f *ChainlinkFeed) loadDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decimals != nil {
		return *f.decimals, nil
	}

	var out []any
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("读取 decimals 失败: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals 返回值数量异常: %d", len(out))
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, errors.New("decimals 类型异常")
	}
	f.decimals = &decimals
	return decimals, nil
}

// Close releases the underlying RPC connection.
func (f *ChainlinkFeed) Close() {
	if f == nil {
		return
	}
	if f.eth != nil {
		f.eth.Close()
		f.eth = nil
	}
	if f.rpcClient != nil {
		f.rpcClient.Close()
		f.rpcClient = nil
	}
}

var _ PriceFeed = (*ChainlinkFeed)(nil)
