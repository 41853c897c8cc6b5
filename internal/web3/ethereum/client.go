package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"QuestPilot-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultReceiptPoll    = time.Second
)

// Config describes how sessions against an EVM compatible chain are built.
// ChainID of zero means the id is queried from the node on dial; a nil
// GasPrice means the node's suggestion is used per transaction; a zero
// GasLimit means each transaction is estimated.
type Config struct {
	ChainID             int64
	GasPrice            *big.Int
	GasLimit            uint64
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = defaultReceiptTimeout
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = defaultReceiptPoll
	}
	return c
}

// chainBackend mirrors the subset of ethclient.Client used by sessions.
type chainBackend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Session for EVM compatible chains.
type Client struct {
	endpoint  string
	cfg       Config
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	backend   chainBackend
	chainID   *big.Int

	mu     sync.RWMutex
	signer *web3.Signer
	// sendMu serialises nonce lookup and broadcast for the signer.
	sendMu sync.Mutex
}

// Dial connects to the endpoint and resolves the chain id when it is not
// configured.
func Dial(ctx context.Context, endpoint string, cfg Config) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("连接节点 %s 失败: %w", endpoint, err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	return &Client{
		endpoint:  endpoint,
		cfg:       cfg.withDefaults(),
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		chainID:   chainID,
	}, nil
}

// Dialer adapts Dial to the web3.Dialer signature.
func Dialer(cfg Config) web3.Dialer {
	return func(ctx context.Context, endpoint string) (web3.Session, error) {
		return Dial(ctx, endpoint, cfg)
	}
}

// newClientWithBackend wires an arbitrary backend, used by tests.
func newClientWithBackend(endpoint string, chainID *big.Int, backend chainBackend, cfg Config) *Client {
	return &Client{
		endpoint: endpoint,
		cfg:      cfg.withDefaults(),
		backend:  backend,
		chainID:  new(big.Int).Set(chainID),
	}
}

// Endpoint returns the RPC URL this session is connected to.
func (c *Client) Endpoint() string { return c.endpoint }

// ChainID returns the chain id transactions are signed for.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// SetSigner installs the identity used for Transact.
func (c *Client) SetSigner(signer *web3.Signer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signer = signer
}

func (c *Client) currentSigner() *web3.Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signer
}

// Bind returns a contract handle bound to this session.
func (c *Client) Bind(address common.Address, abiJSON string) (web3.Contract, error) {
	parsed, err := parseABI(abiJSON)
	if err != nil {
		return nil, err
	}
	return &boundContract{client: c, address: address, abi: parsed}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.backend = nil
}

func (c *Client) chain() (chainBackend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return nil, fmt.Errorf("与 %s 的连接已关闭", c.endpoint)
	}
	return c.backend, nil
}

// waitMined polls for the receipt until it appears or the receipt timeout
// elapses.
func (c *Client) waitMined(ctx context.Context, backend chainBackend, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易 %s 上链超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

var _ web3.Session = (*Client)(nil)
