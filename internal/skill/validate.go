/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package skill

import "fmt"

// Validate checks a definition for structural errors. Returns the first
// problem found.
func Validate(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("skill missing id")
	}
	switch def.Risk {
	case RiskSafe, RiskDangerous:
	default:
		return fmt.Errorf("skill %q: invalid risk_level %q", def.ID, def.Risk)
	}
	switch def.Connection {
	case ConnectionCLI, ConnectionAPI, ConnectionDeclarative, ConnectionNone:
	default:
		return fmt.Errorf("skill %q: invalid connection_type %q", def.ID, def.Connection)
	}

	seen := make(map[string]struct{}, len(def.Commands))
	for _, cmd := range def.Commands {
		if cmd.Name == "" {
			return fmt.Errorf("skill %q: command missing name", def.ID)
		}
		if _, dup := seen[cmd.Name]; dup {
			return fmt.Errorf("skill %q: duplicate command %q", def.ID, cmd.Name)
		}
		seen[cmd.Name] = struct{}{}

		switch spec := cmd.Spec.(type) {
		case DeclarativeSpec:
			if spec.URL == "" {
				return fmt.Errorf("skill %q command %q: request template missing url", def.ID, cmd.Name)
			}
		case HandlerSpec:
			if def.ExecutionHandler == "" {
				return fmt.Errorf("skill %q command %q: handler_file requires the skill to declare an execution_handler", def.ID, cmd.Name)
			}
		case CLISpec, PromptSpec, nil:
		}
	}
	return nil
}
