// Package environment names the deployment environment a process runs in
// and parses it from configuration values.
package environment

import "strings"

// Environment represents application environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Parse maps a configuration value to an Environment.
// Short aliases ("prod", "stage", "dev") are accepted; anything unknown is
// treated as Development so that misconfigured hosts never get production defaults.
func Parse(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(Production), "prod":
		return Production
	case string(Staging), "stage":
		return Staging
	default:
		return Development
	}
}

func (e Environment) IsProduction() bool  { return e == Production }
func (e Environment) IsStaging() bool     { return e == Staging }
func (e Environment) IsDevelopment() bool { return e == Development }

func (e Environment) String() string { return string(e) }
