// Package watch implements the polling engine behind mrwatch.
//
// A [Supervisor] owns a tree of cancellable [Handle]s:
//
//	supervisor
//	├── user:<id>            discovery loop over the user's open merge requests
//	│   └── mr:<id>          one watcher per discovered merge request
//	│       ├── detail       polls the merge request until merged or closed
//	│       └── pipeline     polls the latest pipeline of the source branch
//	└── todos                polls the pending todo list
//
// Every loop polls immediately and then once per interval. Fetch errors are
// logged, published as poll.failed events and retried on the next tick; they
// never end a loop. Loops end only when their handle is cancelled, either
// explicitly or because the merge request reached a terminal state.
//
// Events are published synchronously on the loop goroutine that produced
// them. Handlers must not call Unwatch* or Stop synchronously.
package watch
