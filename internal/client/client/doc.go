// Package client contains the host's transport to the shared store and the
// local persistence bootstrap.
//
// # Overview
//
//  1. StoreClient speaks the store's HTTP API: PostUpdate, CreateSession,
//     RefreshSession and SessionState. Non-2xx answers surface as *StatusError
//     carrying the status code and any Retry-After hint.
//  2. HealthClient probes the store's gRPC health service; the CLI uses it to
//     show whether the host is online.
//  3. InitDatabase and RunMigrations open the SQLite database and apply the
//     embedded goose migrations.
//
// # Error Handling
//
// Callers match conditions with errors.Is: ErrUnavailable (network failure,
// 5xx), ErrUnauthorized (401) and ErrRateLimited (429). IsRetryable folds the
// transient ones together for retry policies.
package client
