package config

import (
	"github.com/jpalmerr/mrwatch"
)

// BuildOptions converts parsed configuration into SDK options.
//
// The active team's usernames are merged with Users; Todos adds the todo
// loop. Logger, event handlers and other runtime concerns are left to the
// caller.
func BuildOptions(cfg *Config) ([]mrwatch.Option, error) {
	opts := []mrwatch.Option{
		mrwatch.WithAPIEndpoint(cfg.APIEndpoint),
		mrwatch.WithAPIToken(cfg.APIToken),
		mrwatch.WithPollingInterval(cfg.PollInterval.Duration()),
		mrwatch.WithPort(cfg.Port),
	}

	if names := cfg.Usernames(); len(names) > 0 {
		opts = append(opts, mrwatch.WithUsernames(names...))
	}

	if len(cfg.UserIDs) > 0 {
		opts = append(opts, mrwatch.WithUserIDs(cfg.UserIDs...))
	}

	if cfg.TodosEnabled() {
		opts = append(opts, mrwatch.WithTodos())
	}

	return opts, nil
}
