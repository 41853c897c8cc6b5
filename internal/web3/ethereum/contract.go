package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"QuestPilot-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

type boundContract struct {
	client  *Client
	address common.Address
	abi     *abi.ABI
}

func (b *boundContract) Address() common.Address { return b.address }

// Call packs the invocation, executes it against the latest block and
// unpacks the outputs in ABI order.
func (b *boundContract) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 参数失败: %w", method, err)
	}
	backend, err := b.client.chain()
	if err != nil {
		return nil, err
	}

	msg := gethcore.CallMsg{To: &b.address, Data: input}
	if signer := b.client.currentSigner(); signer != nil {
		msg.From = signer.From
	}
	output, err := backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s.%s 失败: %w", b.address.Hex(), method, err)
	}
	if len(output) == 0 && len(b.abi.Methods[method].Outputs) > 0 {
		return nil, fmt.Errorf("调用 %s.%s 返回空数据", b.address.Hex(), method)
	}
	values, err := b.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

// Transact signs a legacy transaction for the installed signer, broadcasts
// it and blocks until the receipt is available or the receipt timeout hits.
func (b *boundContract) Transact(ctx context.Context, method string, args ...any) (*web3.Receipt, error) {
	signer := b.client.currentSigner()
	if signer == nil || signer.Key == nil {
		return nil, errors.New("未配置交易签名身份")
	}
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 参数失败: %w", method, err)
	}
	backend, err := b.client.chain()
	if err != nil {
		return nil, err
	}

	signed, err := b.send(ctx, backend, signer, input)
	if err != nil {
		return nil, fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}

	receipt, err := b.client.waitMined(ctx, backend, signed.Hash())
	if err != nil {
		return nil, err
	}

	out := &web3.Receipt{
		Status:  receipt.Status,
		TxHash:  signed.Hash(),
		GasUsed: receipt.GasUsed,
		Events:  b.decodeEvents(receipt.Logs),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (b *boundContract) send(ctx context.Context, backend chainBackend, signer *web3.Signer, input []byte) (*coretypes.Transaction, error) {
	b.client.sendMu.Lock()
	defer b.client.sendMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, signer.From)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}

	gasPrice := b.client.cfg.GasPrice
	if gasPrice == nil {
		gasPrice, err = backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
		}
	}

	gasLimit := b.client.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit, err = backend.EstimateGas(ctx, gethcore.CallMsg{
			From:     signer.From,
			To:       &b.address,
			GasPrice: gasPrice,
			Data:     input,
		})
		if err != nil {
			return nil, fmt.Errorf("估算 gas 失败: %w", err)
		}
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).Set(gasPrice),
		Gas:      gasLimit,
		To:       &b.address,
		Data:     input,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(b.client.chainID), signer.Key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// decodeEvents keeps only logs emitted by this contract whose signature is
// part of its ABI. Indexed and data arguments share one map.
func (b *boundContract) decodeEvents(logs []*coretypes.Log) []web3.Event {
	events := make([]web3.Event, 0, len(logs))
	for _, lg := range logs {
		if lg == nil || lg.Address != b.address || len(lg.Topics) == 0 {
			continue
		}
		ev, err := b.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue
		}
		args := make(map[string]any, len(ev.Inputs))
		if len(lg.Data) > 0 {
			if err := b.abi.UnpackIntoMap(args, ev.Name, lg.Data); err != nil {
				continue
			}
		}
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if len(indexed) > 0 {
			if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
				continue
			}
		}
		events = append(events, web3.Event{Name: ev.Name, Address: lg.Address, Args: args})
	}
	return events
}
