// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied to domains that leave a limit unset.
const (
	DefaultGCInterval     = time.Second
	DefaultMaxUnconfirmed = 1024
)

// DomainConfig is the per-domain configuration shared by every queue in
// the domain. AppIDs is the authorized app set.
type DomainConfig struct {
	Name           string
	AppIDs         []string
	MaxMessages    int64
	MessageTTL     time.Duration
	GCInterval     time.Duration
	MaxUnconfirmed int
}

// Normalize fills unset limits with defaults.
func (c DomainConfig) Normalize() DomainConfig {
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.MaxUnconfirmed <= 0 {
		c.MaxUnconfirmed = DefaultMaxUnconfirmed
	}
	return c
}

// Validate checks the domain configuration.
func (c DomainConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: domain name cannot be empty", ErrInvalidConfig)
	}
	if strings.Contains(c.Name, "/") {
		return fmt.Errorf("%w: domain name %q cannot contain '/'", ErrInvalidConfig, c.Name)
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("%w: max messages cannot be negative", ErrInvalidConfig)
	}
	if c.MessageTTL < 0 {
		return fmt.Errorf("%w: message ttl cannot be negative", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(c.AppIDs))
	for _, id := range c.AppIDs {
		if id == "" {
			return fmt.Errorf("%w: app id cannot be empty", ErrInvalidConfig)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate app id %q", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// QueueName joins a domain and a queue into a fully qualified name.
func QueueName(domain, queue string) string {
	return domain + "/" + queue
}

// SplitQueueName returns the domain and the queue part of a qualified name.
func SplitQueueName(name string) (domain, queue string, err error) {
	domain, queue, ok := strings.Cut(name, "/")
	if !ok || domain == "" || queue == "" {
		return "", "", fmt.Errorf("%w: queue name %q must be <domain>/<queue>", ErrInvalidConfig, name)
	}
	return domain, queue, nil
}
