/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package skill defines agent skills and their commands. A skill file
// declares each command with at most one execution source (request
// template, CLI template, handler file, or prompt template); the loader
// resolves that into an explicit tagged variant so dispatch never has to
// re-inspect optional fields.
package skill

import "fmt"

// RiskLevel classifies how much damage a skill can do unsupervised.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskDangerous RiskLevel = "dangerous"
)

// ConnectionType describes how a skill reaches the outside world.
type ConnectionType string

const (
	ConnectionCLI         ConnectionType = "cli"
	ConnectionAPI         ConnectionType = "api"
	ConnectionDeclarative ConnectionType = "declarative"
	ConnectionNone        ConnectionType = "none"
)

// Definition is a resolved skill. Loaded read-only per dispatch call and
// never mutated by the dispatcher.
type Definition struct {
	ID               string
	DisplayName      string
	Enabled          bool
	Risk             RiskLevel
	Connection       ConnectionType
	ExecutionHandler string // handler runtime name, empty if none
	Model            string // optional model binding for LLM commands
	Commands         []Command
}

// Command is one operation within a skill, bound to exactly one execution
// strategy through its Spec.
type Command struct {
	Name         string
	Description  string
	SystemPrompt string

	// Spec is the tagged execution variant. Nil means the command has no
	// structured source and falls to the generic LLM strategy.
	Spec Spec
}

// Spec is the tagged union of command execution sources.
type Spec interface {
	isSpec()
}

// DeclarativeSpec executes a templated HTTP request. `{param}` placeholders
// in URL, headers, and body interpolate from the dispatch parameters.
type DeclarativeSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	// Multi fans the request out over a list of parameter sets.
	Multi bool
}

// CLISpec names one of the fixed allow-listed public API wrappers.
type CLISpec struct {
	Template string
}

// HandlerSpec delegates to a server-side handler that owns secrets the
// client cannot hold. Secret names the single vault entry the handler
// declares it needs.
type HandlerSpec struct {
	File   string
	Secret string
}

// PromptSpec is a prompt template for the generic LLM strategy.
type PromptSpec struct {
	Template string
}

func (DeclarativeSpec) isSpec() {}
func (CLISpec) isSpec()         {}
func (HandlerSpec) isSpec()     {}
func (PromptSpec) isSpec()      {}

// FindCommand returns the named command.
func (d *Definition) FindCommand(name string) (*Command, error) {
	for i := range d.Commands {
		if d.Commands[i].Name == name {
			return &d.Commands[i], nil
		}
	}
	return nil, fmt.Errorf("skill %q has no command %q", d.ID, name)
}
