// Package config provides YAML configuration parsing for mrwatch.
//
// This package enables running mrwatch as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	api_endpoint: https://gitlab.example.com
//	api_token: ${GITLAB_TOKEN}
//	poll_interval: 5s
//	port: 8080
//	todos: true
//
//	users: [alice]
//	user_ids: [1337]
//
//	team: backend
//	teams:
//	  - name: backend
//	    usernames: [bob, carol]
//	  - name: frontend
//	    usernames: [dave]
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// minPollInterval is the minimum allowed polling interval. It keeps a
	// misconfigured watcher from hammering the GitLab API.
	minPollInterval = 1 * time.Second

	defaultPort         = 8080
	defaultPollInterval = 5 * time.Second
)

// Config is the root configuration structure for mrwatch.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// APIEndpoint is the GitLab instance URL. The /api/v4 suffix is optional.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	APIEndpoint string `yaml:"api_endpoint"`

	// APIToken is a personal access token with the api scope.
	// Supports environment variable substitution.
	APIToken string `yaml:"api_token"`

	// Port is the HTTP API port. Defaults to 8080.
	Port int `yaml:"port"`

	// PollInterval is the time between polls of every loop.
	// Accepts duration strings like "5s", "1m". Defaults to 5s.
	PollInterval Duration `yaml:"poll_interval"`

	// Todos enables the todo list loop. Defaults to true.
	Todos *bool `yaml:"todos"`

	// Users are usernames whose merge requests are watched.
	Users []string `yaml:"users"`

	// UserIDs are numeric ids of users whose merge requests are watched.
	UserIDs []int `yaml:"user_ids"`

	// Team selects one of Teams; its usernames are watched in addition to Users.
	Team string `yaml:"team"`

	// Teams are named groups of usernames.
	Teams []TeamConfig `yaml:"teams"`
}

// TeamConfig is a named group of usernames.
type TeamConfig struct {
	Name      string   `yaml:"name"`
	Usernames []string `yaml:"usernames"`
}

// Overrides replace file values before validation. Empty fields leave the
// file value in place.
type Overrides struct {
	APIEndpoint string
	APIToken    string
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// TodosEnabled reports whether the todo loop should run.
func (c *Config) TodosEnabled() bool {
	return c.Todos == nil || *c.Todos
}

// ActiveTeam returns the selected team, or nil when no team is selected.
func (c *Config) ActiveTeam() *TeamConfig {
	if c.Team == "" {
		return nil
	}
	for i := range c.Teams {
		if c.Teams[i].Name == c.Team {
			return &c.Teams[i]
		}
	}
	return nil
}

// Usernames returns the usernames to watch: the active team's members
// followed by Users, without duplicates.
func (c *Config) Usernames() []string {
	var names []string
	if team := c.ActiveTeam(); team != nil {
		names = append(names, team.Usernames...)
	}
	names = append(names, c.Users...)

	seen := make(map[string]bool, len(names))
	unique := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}
	return unique
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before validation.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

// LoadWithOverrides is [Load] with ov applied before validation.
func LoadWithOverrides(path string, ov Overrides) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseWithOverrides(data, ov)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in api_endpoint and api_token.
// Defaults are applied for Port (8080), PollInterval (5s) and Todos (true).
func Parse(data []byte) (*Config, error) {
	return ParseWithOverrides(data, Overrides{})
}

// ParseWithOverrides is [Parse] with ov applied before validation.
func ParseWithOverrides(data []byte, ov Overrides) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = Duration(defaultPollInterval)
	}
	if ov.APIEndpoint != "" {
		cfg.APIEndpoint = ov.APIEndpoint
	}
	if ov.APIToken != "" {
		cfg.APIToken = ov.APIToken
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	expanded, err := expandEnvVars(c.APIEndpoint)
	if err != nil {
		return fmt.Errorf("api_endpoint: %w", err)
	}
	c.APIEndpoint = expanded

	expanded, err = expandEnvVars(c.APIToken)
	if err != nil {
		return fmt.Errorf("api_token: %w", err)
	}
	c.APIToken = expanded

	if c.APIEndpoint == "" {
		return errors.New("api_endpoint is required")
	}
	parsedURL, err := url.Parse(c.APIEndpoint)
	if err != nil {
		return fmt.Errorf("invalid api_endpoint: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("api_endpoint scheme must be http or https, got %q", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return errors.New("api_endpoint must include a host")
	}

	if c.APIToken == "" {
		return errors.New("api_token is required")
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if c.PollInterval.Duration() < minPollInterval {
		return fmt.Errorf("poll_interval must be at least %s, got %s", minPollInterval, c.PollInterval.Duration())
	}

	for i, name := range c.Users {
		if name == "" {
			return fmt.Errorf("users[%d]: username cannot be empty", i)
		}
	}
	for i, id := range c.UserIDs {
		if id <= 0 {
			return fmt.Errorf("user_ids[%d]: must be positive, got %d", i, id)
		}
	}

	seen := make(map[string]struct{}, len(c.Teams))
	for i, team := range c.Teams {
		if team.Name == "" {
			return fmt.Errorf("teams[%d]: name is required", i)
		}
		if _, exists := seen[team.Name]; exists {
			return fmt.Errorf("teams[%d]: duplicate team name %q", i, team.Name)
		}
		seen[team.Name] = struct{}{}

		if len(team.Usernames) == 0 {
			return fmt.Errorf("teams[%d] (%s): at least one username is required", i, team.Name)
		}
		if slices.Contains(team.Usernames, "") {
			return fmt.Errorf("teams[%d] (%s): username cannot be empty", i, team.Name)
		}
	}

	if c.Team != "" && c.ActiveTeam() == nil {
		return fmt.Errorf("team %q is not defined in teams", c.Team)
	}

	if len(c.Usernames()) == 0 && len(c.UserIDs) == 0 && !c.TodosEnabled() {
		return errors.New("nothing to watch: configure users, user_ids, a team, or enable todos")
	}

	return nil
}
