// Package web3 defines the read-and-subscribe client contract consumed by
// the chain-facing adapters, together with the YAML chain catalog it is
// configured from. Concrete implementations live in subpackages; transaction
// submission and signing are deliberately outside the contract.
package web3
