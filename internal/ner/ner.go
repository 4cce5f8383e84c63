// Package ner adapts external named-entity recognizers to the entity
// source contract of the pii resolver.
package ner

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/pii"
)

// Source types.
const (
	TypeRemote = "remote"
	TypeLLM    = "llm"
)

// Config describes one NER source.
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	// URL is the sidecar endpoint for remote sources and the API base URL
	// for llm sources.
	URL       string        `yaml:"url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// Labels renames model labels, e.g. PER to PERSON.
	Labels map[string]string `yaml:"labels"`
}

// Validate validates the source configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("ner source name is required")
	}
	switch c.Name {
	case models.SourceBlacklist, models.SourceRegex, models.SourceRegexTitle:
		return fmt.Errorf("ner source name %q is reserved for a built-in detector", c.Name)
	}
	switch c.Type {
	case TypeRemote:
		if c.URL == "" {
			return fmt.Errorf("ner source %s: url is required", c.Name)
		}
	case TypeLLM:
		if c.Model == "" {
			return fmt.Errorf("ner source %s: model is required", c.Name)
		}
	default:
		return fmt.Errorf("ner source %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

func (c *Config) label(raw string) string {
	if mapped, ok := c.Labels[raw]; ok {
		return mapped
	}
	return raw
}

// FromConfig builds the configured sources in order.
func FromConfig(configs []Config, logger *zap.Logger) ([]pii.EntitySource, error) {
	sources := make([]pii.EntitySource, 0, len(configs))
	for i := range configs {
		c := configs[i]
		if err := c.Validate(); err != nil {
			return nil, err
		}
		switch c.Type {
		case TypeRemote:
			sources = append(sources, NewRemote(c, logger))
		case TypeLLM:
			apiKey := ""
			if c.APIKeyEnv != "" {
				apiKey = os.Getenv(c.APIKeyEnv)
			}
			sources = append(sources, NewLLM(c, apiKey, logger))
		}
	}
	return sources, nil
}
