// Package server provides the HTTP API over the cached watch state.
//
//   - REST API: JSON snapshots at "/api/merge-requests" and "/api/todos"
//   - Actions: merge and todo completion, forwarded to GitLab
//   - Server-Sent Events: store changes at "/api/sse"
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server
