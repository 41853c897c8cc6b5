package web3

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Receipt is the decoded outcome of a mined transaction.
type Receipt struct {
	Status      uint64
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Events      []Event
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

// EventsNamed returns the decoded events with the given ABI name in log order.
func (r *Receipt) EventsNamed(name string) []Event {
	if r == nil {
		return nil
	}
	var out []Event
	for _, ev := range r.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Event is a contract log decoded against the emitting contract's ABI. Args
// holds both indexed and non-indexed arguments keyed by their ABI names.
type Event struct {
	Name    string
	Address common.Address
	Args    map[string]any
}

// Contract is the capability surface higher layers use to talk to a bound
// contract. Call performs a read-only invocation and returns the unpacked
// outputs; Transact signs, submits and waits for the receipt of a state
// mutating invocation.
type Contract interface {
	Address() common.Address
	Call(ctx context.Context, method string, args ...any) ([]any, error)
	Transact(ctx context.Context, method string, args ...any) (*Receipt, error)
}

// Signer is a loaded signing identity.
type Signer struct {
	Key  *ecdsa.PrivateKey
	From common.Address
}

// Session is one live RPC connection. Contracts bound through a session stop
// working once it is closed.
type Session interface {
	Endpoint() string
	Bind(address common.Address, abiJSON string) (Contract, error)
	SetSigner(signer *Signer)
	Close()
}

// Dialer opens a session against an RPC endpoint.
type Dialer func(ctx context.Context, endpoint string) (Session, error)
