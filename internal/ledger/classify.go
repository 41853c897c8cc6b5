package ledger

import (
	"context"
	"errors"
	"net"
	"strings"

	xerrors "QuestPilot-Chain/internal/errors"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// rpcSignatures are lower-case fragments of node and transport errors that
// indicate the endpoint, not the request, is at fault.
var rpcSignatures = []string{
	"processing response error",
	"transaction failed",
	"nonce has already been used",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"execution reverted",
	"server error",
	"header not found",
	"missing trie node",
	"too many requests",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"unexpected eof",
	"bad gateway",
	"service unavailable",
}

// MatchesRPCSignature reports whether the error text contains a known RPC
// failure fragment.
func MatchesRPCSignature(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range rpcSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Classify maps raw adapter errors onto the coded error model. Errors that
// already carry a code and caller cancellations are returned unchanged;
// everything the node or transport produced becomes TRANSIENT_LEDGER.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTransientLedger, err, "等待链上响应超时")
	}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(xerrors.CodeTransientLedger, err, "节点返回错误")
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return xerrors.Wrap(xerrors.CodeTransientLedger, err, "节点 HTTP 错误")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return xerrors.Wrap(xerrors.CodeTransientLedger, err, "网络错误")
	}
	if MatchesRPCSignature(err) {
		return xerrors.Wrap(xerrors.CodeTransientLedger, err, "RPC 调用失败")
	}
	return err
}

// FallbackEligible reports whether an error should count toward the rolling
// RPC error list that triggers an endpoint switch. Coded errors follow their
// registered Retryable attribute; uncoded ones are matched by text.
func FallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if _, coded := xerrors.From(err); coded {
		return xerrors.RetryableError(err)
	}
	return MatchesRPCSignature(err)
}
