package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q is not one of console, json", c.LogFormat))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "local":
	case "s3":
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			problems = append(problems, "storage.bucket is required for the s3 backend")
		}
		if strings.TrimSpace(c.Storage.AccessKeyID) == "" || strings.TrimSpace(c.Storage.SecretAccessKey) == "" {
			problems = append(problems, "storage credentials are required for the s3 backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of local, s3", c.Storage.Backend))
	}
	for name, p := range c.Providers {
		if strings.TrimSpace(p.BaseURL) == "" {
			problems = append(problems, fmt.Sprintf("providers.%s.base_url must not be empty", name))
		}
	}
	if c.Workflow.MaxTries < 1 {
		problems = append(problems, "workflow.max_tries must be at least 1")
	}
	if c.Workflow.MaxGroupAttempts < 1 {
		problems = append(problems, "workflow.max_group_attempts must be at least 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New("invalid configuration: " + strings.Join(problems, "; "))
}
