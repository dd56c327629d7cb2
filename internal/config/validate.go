package config

import (
	"errors"
	"fmt"
)

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}

	if c.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be positive")
	}
	if c.Worker.RetryDelay < 0 {
		return errors.New("worker.retry_delay must not be negative")
	}
	if c.Worker.CancelCheckInterval <= 0 {
		return errors.New("worker.cancel_check_interval must be positive")
	}

	if c.Audit.DefaultMaxPages <= 0 {
		return errors.New("audit.default_max_pages must be a positive integer")
	}
	if c.OpenAI.MaxTokens <= 0 {
		return errors.New("openai.max_tokens must be a positive integer")
	}

	if c.Email.APIKey != "" && c.Email.FromAddress == "" {
		return errors.New("email.from_address is required when email.api_key is set")
	}

	if c.Client.BaseURL == "" {
		return errors.New("client.base_url is required")
	}

	if err := c.Poller.Validate(); err != nil {
		return fmt.Errorf("poller: %w", err)
	}
	return nil
}
