// Package config provides centralized configuration management for the
// StratVault runtime, covering the API server, ledger storage, oracle,
// router protocols, and the cross-chain bridge. Values left unset fall
// back to defaults suitable for local development.
package config
