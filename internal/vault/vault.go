/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package vault holds named secrets and hands out at most one per caller.
// Skill commands reference secrets by name; the executor resolves only the
// secret that one command declares, never the whole set.
package vault

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// ErrUnknownSecret is returned when a secret name has no value configured.
var ErrUnknownSecret = fmt.Errorf("vault: unknown secret")

// Vault is an in-memory map of secret names to values.
type Vault struct {
	secrets map[string]string
}

// New creates a vault from explicit name→value pairs. Empty values are
// dropped so a missing secret fails loudly at resolve time rather than
// producing an empty header.
func New(secrets map[string]string) *Vault {
	v := &Vault{secrets: make(map[string]string, len(secrets))}
	for name, value := range secrets {
		if value == "" {
			continue
		}
		v.secrets[strings.ToLower(name)] = value
	}
	return v
}

// FromEnv loads every environment variable carrying the given prefix,
// e.g. prefix "AGORA_SECRET_" turns AGORA_SECRET_GITHUB into secret
// "github".
func FromEnv(prefix string) *Vault {
	secrets := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		secrets[strings.ToLower(strings.TrimPrefix(name, prefix))] = value
	}
	return New(secrets)
}

// Resolve returns the value for a secret name.
func (v *Vault) Resolve(name string) (string, error) {
	if v == nil {
		return "", fmt.Errorf("%w: %q (no vault configured)", ErrUnknownSecret, name)
	}
	value, ok := v.secrets[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSecret, name)
	}
	return value, nil
}

// Scope narrows the vault to a single named secret. Strategies receive a
// Scoped, not the vault, so a command can only ever see the secret it
// declared.
func (v *Vault) Scope(name string) (Scoped, error) {
	if name == "" {
		return Scoped{}, nil
	}
	value, err := v.Resolve(name)
	if err != nil {
		return Scoped{}, err
	}
	return Scoped{name: name, value: value}, nil
}

// Names lists configured secret names, sorted. Values are never exposed.
func (v *Vault) Names() []string {
	if v == nil {
		return nil
	}
	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scoped is a single-secret view handed to an executor. The zero value
// carries nothing.
type Scoped struct {
	name  string
	value string
}

// Empty reports whether the scope carries a secret.
func (s Scoped) Empty() bool { return s.value == "" }

// Name returns the secret's name.
func (s Scoped) Name() string { return s.name }

// AuthHeader formats the secret as an Authorization header value. Values
// already carrying a scheme (Bearer, token, Basic) pass through unchanged;
// bare tokens default to Bearer.
func (s Scoped) AuthHeader() string {
	if s.value == "" {
		return ""
	}
	lower := strings.ToLower(s.value)
	if strings.HasPrefix(lower, "bearer ") ||
		strings.HasPrefix(lower, "token ") ||
		strings.HasPrefix(lower, "basic ") {
		return s.value
	}
	return "Bearer " + s.value
}

// Value returns the raw secret.
func (s Scoped) Value() string { return s.value }
