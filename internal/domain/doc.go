// Package domain defines the broadcast surface model: assets, layer placement,
// inbound events, chat snapshots, and the interfaces adapters implement.
package domain
