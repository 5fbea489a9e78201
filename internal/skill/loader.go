/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileDefinition is the on-disk YAML shape. Commands carry several optional
// source fields; the loader resolves them into exactly one Spec.
type fileDefinition struct {
	ID               string        `yaml:"id"`
	DisplayName      string        `yaml:"display_name"`
	Enabled          *bool         `yaml:"enabled"`
	RiskLevel        string        `yaml:"risk_level"`
	ConnectionType   string        `yaml:"connection_type"`
	ExecutionHandler string        `yaml:"execution_handler"`
	Model            string        `yaml:"model"`
	Commands         []fileCommand `yaml:"commands"`
}

type fileCommand struct {
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	SystemPrompt string               `yaml:"system_prompt"`
	Prompt       string               `yaml:"prompt_template"`
	Request      *fileRequestTemplate `yaml:"request_template"`
	CLI          string               `yaml:"cli_command_template"`
	HandlerFile  string               `yaml:"handler_file"`
	Secret       string               `yaml:"secret"`
}

type fileRequestTemplate struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Multi   bool              `yaml:"multi"`
}

// Loader reads skill definition files.
type Loader struct{}

// NewLoader creates a skill loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadDir loads every *.yaml / *.yml file in dir, validating each.
// Definitions are returned sorted by id.
func (l *Loader) LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skill dir: %w", err)
	}

	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// LoadFile loads and validates a single skill file.
func (l *Loader) LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML skill definition and resolves command variants.
func Parse(data []byte) (*Definition, error) {
	var f fileDefinition
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse skill yaml: %w", err)
	}

	def := &Definition{
		ID:               strings.TrimSpace(f.ID),
		DisplayName:      f.DisplayName,
		Enabled:          f.Enabled == nil || *f.Enabled,
		Risk:             RiskLevel(defaultString(f.RiskLevel, string(RiskSafe))),
		Connection:       ConnectionType(defaultString(f.ConnectionType, string(ConnectionNone))),
		ExecutionHandler: f.ExecutionHandler,
		Model:            f.Model,
	}

	for _, fc := range f.Commands {
		spec, err := resolveSpec(fc)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", fc.Name, err)
		}
		def.Commands = append(def.Commands, Command{
			Name:         fc.Name,
			Description:  fc.Description,
			SystemPrompt: fc.SystemPrompt,
			Spec:         spec,
		})
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// resolveSpec converts the optional source fields into one tagged variant.
// More than one source is a definition error, caught here rather than at
// dispatch time.
func resolveSpec(fc fileCommand) (Spec, error) {
	var specs []Spec
	if fc.Request != nil {
		specs = append(specs, DeclarativeSpec{
			Method:  defaultString(fc.Request.Method, "GET"),
			URL:     fc.Request.URL,
			Headers: fc.Request.Headers,
			Body:    fc.Request.Body,
			Multi:   fc.Request.Multi,
		})
	}
	if fc.CLI != "" {
		specs = append(specs, CLISpec{Template: fc.CLI})
	}
	if fc.HandlerFile != "" {
		specs = append(specs, HandlerSpec{File: fc.HandlerFile, Secret: fc.Secret})
	}
	if fc.Prompt != "" {
		specs = append(specs, PromptSpec{Template: fc.Prompt})
	}

	switch len(specs) {
	case 0:
		return nil, nil
	case 1:
		return specs[0], nil
	default:
		return nil, fmt.Errorf("declares %d execution sources, want at most 1", len(specs))
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
