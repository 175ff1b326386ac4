// Package gitlab provides the GitLab domain types and a REST v4 client used
// by the watcher.
//
// The main components are:
//
//   - [MergeRequest], [Pipeline], [Todo], [User], [Project]: snapshot types
//   - [Client]: adapter over the GitLab Go SDK implementing the snapshot
//     queries and the merge / todo actions
//   - [APIError]: returned for non-2xx responses
//
// The API exposes no push mechanism; every method is a single
// request/response snapshot fetch.
package gitlab
