// Package web3 houses EVM chain connectivity: the Client interface, loading of
// multi-chain YAML definitions, and (in subpackages) a go-ethereum client and
// a registry of named chain clients. Clients support chain snapshots, balance
// and nonce queries, contract deployment, log subscriptions and batched
// raw-transaction sends. Only EVM-type chains are supported, and the package
// provides no signer abstraction or generated contract bindings.
package web3
