// Package storage provides interfaces for persisting orchestrator state.
//
// Two store scopes exist, mirroring the two lifetimes in the data model:
//   - SessionStore: tab-session-scoped, holds in-flight flow records, the
//     attempt log, circuit breaker snapshots, and in-progress markers
//   - DurableStore: survives process restarts, holds the token record and the
//     cross-tab logout timestamp, and can deliver change notifications
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory stores for development and testing
//   - storage/file: file-backed durable store with fsnotify change events
//   - storage/redis: Redis-backed durable store and broadcast bus
package storage
