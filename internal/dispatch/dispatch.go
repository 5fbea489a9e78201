/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package dispatch routes a skill command to exactly one execution
// strategy. The precedence order is fixed; a strategy that matches but
// fails terminates the dispatch rather than falling through to the next.
// The dispatcher is also the single write-point for audit logging and
// usage accounting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/audit"
	"github.com/agora-collective/agora/internal/metrics"
	"github.com/agora-collective/agora/internal/skill"
	"github.com/agora-collective/agora/internal/strategy"
	"github.com/agora-collective/agora/internal/telemetry"
	"github.com/agora-collective/agora/internal/usage"
)

// Options adjust a single dispatch.
type Options struct {
	// SkipRiskGate marks content a human already approved via the queue.
	// Only the approval resubmission path may set it; the dispatcher
	// itself just carries it through to publishing skills.
	SkipRiskGate bool

	// ParamSets feeds multi-request declarative fan-out.
	ParamSets []strategy.Params

	// Agent and Mission attribute usage and audit records.
	Agent   string
	Mission string
}

// Strategy names used in metrics, spans, and audit detail.
const (
	stratNone        = "none"
	stratDeclarative = "declarative"
	stratCLI         = "cli"
	stratLocal       = "local"
	stratGateway     = "gateway"
	stratLLM         = "llm"
)

// Dispatcher resolves skills and executes their commands. Construct once
// at startup; all fields are read-only afterwards.
type Dispatcher struct {
	resolver skill.Resolver
	handlers *strategy.HandlerRegistry

	declarative *strategy.Declarative
	cli         *strategy.CLI
	gateway     *strategy.Gateway
	local       *strategy.Local
	llm         *strategy.LLM

	audit  audit.Recorder
	usage  usage.Sink
	logger *zap.Logger
}

// Config carries the dispatcher's collaborators.
type Config struct {
	Resolver    skill.Resolver
	Handlers    *strategy.HandlerRegistry
	Declarative *strategy.Declarative
	CLI         *strategy.CLI
	Gateway     *strategy.Gateway
	LLM         *strategy.LLM
	Audit       audit.Recorder
	Usage       usage.Sink
	Logger      *zap.Logger
}

func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		resolver:    cfg.Resolver,
		handlers:    cfg.Handlers,
		declarative: cfg.Declarative,
		cli:         cfg.CLI,
		gateway:     cfg.Gateway,
		local:       strategy.NewLocal(cfg.Handlers),
		llm:         cfg.LLM,
		audit:       cfg.Audit,
		usage:       cfg.Usage,
		logger:      cfg.Logger,
	}
}

// Execute dispatches one command. It never panics or returns an error
// across this boundary: every failure path yields success=false with a
// descriptive Error.
func (d *Dispatcher) Execute(ctx context.Context, skillID, commandName string, params strategy.Params, opts Options) strategy.Result {
	start := time.Now()
	ctx, span := telemetry.StartDispatchSpan(ctx, skillID, commandName)

	def, cmd, res := d.resolve(skillID, commandName)
	if res != nil {
		d.record(def, skillID, commandName, stratNone, *res, opts, start)
		telemetry.EndDispatchSpan(span, stratNone, false, res.Error)
		return *res
	}

	strat, result := d.run(ctx, def, cmd, params, opts)
	d.record(def, skillID, commandName, strat, result, opts, start)
	telemetry.EndDispatchSpan(span, strat, result.Success, result.Error)
	return result
}

// resolve looks up the skill and command. A non-nil Result is a terminal
// failure.
func (d *Dispatcher) resolve(skillID, commandName string) (*skill.Definition, *skill.Command, *strategy.Result) {
	def, err := d.resolver.Resolve(skillID)
	if err != nil {
		reason := fmt.Sprintf("resolve skill %q: %v", skillID, err)
		if errors.Is(err, skill.ErrNotFound) {
			reason = fmt.Sprintf("unknown skill %q", skillID)
		}
		res := strategy.Failure("%s", reason)
		return nil, nil, &res
	}
	if !def.Enabled {
		res := strategy.Failure("skill %q is disabled", skillID)
		return def, nil, &res
	}
	cmd, err := def.FindCommand(commandName)
	if err != nil {
		res := strategy.Failure("%v", err)
		return def, nil, &res
	}
	return def, cmd, nil
}

// run selects and executes exactly one strategy for the command.
func (d *Dispatcher) run(ctx context.Context, def *skill.Definition, cmd *skill.Command, params strategy.Params, opts Options) (string, strategy.Result) {
	switch spec := cmd.Spec.(type) {
	case skill.DeclarativeSpec:
		return stratDeclarative, d.declarative.Execute(ctx, spec, params, opts.ParamSets)

	case skill.CLISpec:
		return stratCLI, d.cli.Execute(ctx, spec.Template, params)
	}

	// Local handlers outrank gateway delegation: actions that need the
	// instance's private key can never leave this process.
	if fn, registered := d.handlers.Lookup(def.ID, cmd.Name); registered {
		if fn == nil {
			// A registered-but-nil handler is a wiring bug. Fail closed
			// instead of masking a broken signed action as a generic
			// completion.
			return stratLocal, strategy.Failure(
				"local handler for %s/%s is registered but nil", def.ID, cmd.Name)
		}
		return stratLocal, d.local.Execute(ctx, def.ID, cmd.Name, params)
	}

	if spec, ok := cmd.Spec.(skill.HandlerSpec); ok {
		if def.ExecutionHandler == "" {
			return stratGateway, strategy.Failure(
				"command %q names handler file %q but skill %q declares no handler runtime",
				cmd.Name, spec.File, def.ID)
		}
		return stratGateway, d.gateway.Execute(ctx, def, cmd, spec, params)
	}

	if def.Connection == skill.ConnectionCLI {
		return stratCLI, d.cli.Execute(ctx, cmd.Name, params)
	}

	return stratLLM, d.runLLM(ctx, def, cmd, params, opts)
}

func (d *Dispatcher) runLLM(ctx context.Context, def *skill.Definition, cmd *skill.Command, params strategy.Params, opts Options) strategy.Result {
	prov, model, err := d.llm.Provider(def)
	if err != nil {
		// Execute reports the resolve failure as a structured result.
		result, _ := d.llm.Execute(ctx, def, cmd, params)
		return result
	}

	ctx, span := telemetry.StartLLMSpan(ctx, prov.Name(), model)
	result, used := d.llm.Execute(ctx, def, cmd, params)
	telemetry.EndLLMSpan(span, used.InputTokens, used.OutputTokens)

	if used.Model != "" && (used.InputTokens > 0 || used.OutputTokens > 0) {
		metrics.RecordTokens(used.Model, used.InputTokens+used.OutputTokens, used.CostUSD)
		if d.usage != nil {
			d.usage.Record(usage.Record{
				Provider:     used.Provider,
				Model:        used.Model,
				InputTokens:  used.InputTokens,
				OutputTokens: used.OutputTokens,
				CostUSD:      used.CostUSD,
				Agent:        opts.Agent,
				Mission:      opts.Mission,
				Skill:        def.ID,
			})
		}
	}
	return result
}

// record writes the audit entry and metrics for a completed dispatch.
func (d *Dispatcher) record(def *skill.Definition, skillID, commandName, strat string, res strategy.Result, opts Options, start time.Time) {
	status := "success"
	evtType := audit.EventSkillDispatched
	summary := fmt.Sprintf("dispatched %s/%s via %s", skillID, commandName, strat)
	if !res.Success {
		status = "failed"
		evtType = audit.EventSkillFailed
		summary = fmt.Sprintf("dispatch %s/%s failed: %s", skillID, commandName, res.Error)
	}

	severity := audit.SeverityInfo
	if def != nil && def.Risk == skill.RiskDangerous {
		severity = audit.SeverityWarning
	}

	if d.audit != nil {
		d.audit.Record(audit.Event{
			Type:     evtType,
			Severity: severity,
			Skill:    skillID,
			Command:  commandName,
			Actor:    opts.Agent,
			Summary:  summary,
			Detail: map[string]any{
				"strategy":    strat,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	}
	metrics.RecordDispatch(skillID, strat, status, time.Since(start))

	if res.Success {
		d.logger.Info("skill dispatched",
			zap.String("skill", skillID),
			zap.String("command", commandName),
			zap.String("strategy", strat),
			zap.Duration("duration", time.Since(start)))
	} else {
		d.logger.Warn("skill dispatch failed",
			zap.String("skill", skillID),
			zap.String("command", commandName),
			zap.String("strategy", strat),
			zap.String("error", res.Error))
	}
}
