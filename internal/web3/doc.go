// Package web3 defines the ledger capability surface used by the quest
// scheduler: contract handles that can be called or transacted against,
// decoded receipts, signing identities and the fixed RPC endpoint rotation.
// Concrete chain adapters live in sub packages such as web3/ethereum.
package web3
