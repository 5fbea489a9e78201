/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package strategy

import (
	"context"
	"sync"
	"time"
)

// HandlerFunc is a locally registered handler for one (skill, command)
// pair. These exist for actions that need the instance's private key and
// therefore can never be delegated to a shared server, e.g. signing a
// commons request.
type HandlerFunc func(ctx context.Context, params Params) (string, error)

// HandlerRegistry maps (skillID, commandName) to local handlers. It is
// built once at startup and passed into the dispatcher; nothing mutates it
// mid-dispatch.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

func handlerKey(skillID, command string) string {
	return skillID + "/" + command
}

// Register binds a handler to a (skill, command) pair, replacing any
// previous binding.
func (r *HandlerRegistry) Register(skillID, command string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey(skillID, command)] = fn
}

// Lookup returns the handler for the pair. The bool distinguishes "nothing
// registered" from a registered-but-nil handler, which the dispatcher
// treats as a bug and fails closed on.
func (r *HandlerRegistry) Lookup(skillID, command string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[handlerKey(skillID, command)]
	return fn, ok
}

// Local runs registry handlers.
type Local struct {
	registry *HandlerRegistry
}

func NewLocal(registry *HandlerRegistry) *Local {
	return &Local{registry: registry}
}

// Execute invokes the registered handler for the pair. Callers must check
// registration first; invoking an unregistered pair fails.
func (l *Local) Execute(ctx context.Context, skillID, command string, params Params) Result {
	start := time.Now()

	fn, ok := l.registry.Lookup(skillID, command)
	if !ok || fn == nil {
		return Failure("no local handler registered for %s/%s", skillID, command)
	}

	output, err := fn(ctx, params)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Duration: time.Since(start)}
	}
	return Result{Success: true, Output: output, Duration: time.Since(start)}
}
