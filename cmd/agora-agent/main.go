// Agora Agent — loads skill definitions, registers the instance with the
// commons, and dispatches skill commands through the strategy pipeline.
// A local admin API exposes dispatch, the approval queue, and the audit
// trail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/agora-collective/agora/internal/approval"
	"github.com/agora-collective/agora/internal/audit"
	"github.com/agora-collective/agora/internal/commonsclient"
	"github.com/agora-collective/agora/internal/config"
	"github.com/agora-collective/agora/internal/dispatch"
	"github.com/agora-collective/agora/internal/identity"
	"github.com/agora-collective/agora/internal/metrics"
	"github.com/agora-collective/agora/internal/provider"
	"github.com/agora-collective/agora/internal/riskgate"
	"github.com/agora-collective/agora/internal/skill"
	"github.com/agora-collective/agora/internal/strategy"
	"github.com/agora-collective/agora/internal/telemetry"
	"github.com/agora-collective/agora/internal/usage"
	"github.com/agora-collective/agora/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	listenAddr := flag.String("listen", "127.0.0.1:8090", "admin API listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger := config.NewLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTraces, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, "agora-agent", version)
	if err != nil {
		logger.Warn("trace exporter unavailable, continuing without traces", zap.Error(err))
	} else {
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer flushCancel()
			_ = shutdownTraces(flushCtx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	session, err := openSession(cfg, logger)
	if err != nil {
		logger.Fatal("cannot open signing session", zap.Error(err))
	}
	defer session.Close()

	instanceID, _ := session.InstanceID()
	logger.Info("instance identity ready", zap.String("instance_id", instanceID))

	secrets := vault.FromEnv("AGORA_SECRET_")

	defs, err := skill.NewLoader().LoadDir(cfg.Agent.SkillsDir)
	if err != nil {
		logger.Warn("no skills loaded", zap.String("dir", cfg.Agent.SkillsDir), zap.Error(err))
	}
	resolver := skill.NewStaticResolver(defs)
	logger.Info("skills loaded", zap.Int("count", len(defs)))

	providers := strategy.NewProviderRegistry(cfg.LLM.Model, nil)
	var prov provider.Provider
	if cfg.HasLLM() {
		prov, err = provider.New(provider.Config{
			Type:    cfg.LLM.Provider,
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		})
		if err != nil {
			logger.Fatal("cannot build LLM provider", zap.Error(err))
		}
		providers = strategy.NewProviderRegistry(cfg.LLM.Model, prov)
		logger.Info("LLM provider configured",
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model))
	}

	handlers := strategy.NewHandlerRegistry()

	var commonsClient *commonsclient.Client
	if cfg.Agent.CommonsURL != "" {
		commonsClient = commonsclient.New(cfg.Agent.CommonsURL, session, logger.Named("commons"))
		registerCommonsHandlers(handlers, commonsClient, cfg)
	}

	auditRec, closeAudit := openAudit(cfg, logger)
	defer closeAudit()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		logger.Fatal("cannot open usage store", zap.Error(err))
	}
	defer usageStore.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Resolver:    resolver,
		Handlers:    handlers,
		Declarative: strategy.NewDeclarative(logger.Named("declarative")),
		CLI:         strategy.NewCLI(),
		Gateway:     strategy.NewGateway(cfg.Agent.GatewayURL, secrets, logger.Named("gateway")),
		LLM:         strategy.NewLLM(providers, logger.Named("llm")),
		Audit:       auditRec,
		Usage:       usageStore,
		Logger:      logger.Named("dispatch"),
	})

	queue, err := approval.NewQueue(filepath.Join(cfg.DataDir, "approvals.db"),
		time.Duration(cfg.Commons.ApprovalTTLHours)*time.Hour)
	if err != nil {
		logger.Fatal("cannot open approval queue", zap.Error(err))
	}
	defer queue.Close()

	var classifier riskgate.Classifier
	if prov != nil {
		classifier = riskgate.NewLLMClassifier(prov, cfg.LLM.ClassifierModelOrDefault(), nil)
	} else {
		classifier = unavailableClassifier{}
	}
	gate := riskgate.New(cfg.PolicyFor, classifier, queue, logger.Named("riskgate"))

	// Expire stale approvals hourly so the queue never grows unbounded.
	jobs := cron.New()
	_, _ = jobs.AddFunc("@hourly", func() {
		if n, err := queue.ExpireStale(); err == nil && n > 0 {
			logger.Info("expired stale approvals", zap.Int("count", n))
		}
	})
	jobs.Start()
	defer jobs.Stop()

	if commonsClient != nil {
		profile := commonsclient.Profile{
			Nickname:    cfg.Agent.Nickname,
			Description: cfg.Agent.Description,
			RepoURL:     cfg.Agent.RepoURL,
		}
		inst, err := commonsClient.EnsureRegistered(ctx, profile)
		if err != nil {
			logger.Warn("commons registration failed, continuing unregistered", zap.Error(err))
		} else {
			logger.Info("registered with commons", zap.String("instance_id", inst.ID))
			go commonsClient.RunHeartbeats(ctx, time.Duration(cfg.Agent.HeartbeatMinutes)*time.Minute)
		}
	}

	mux := adminMux(dispatcher, defs, queue, gate, auditRec, logger)
	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("admin API listening",
			zap.String("addr", *listenAddr),
			zap.String("version", version),
			zap.String("commit", commit))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// openSession unseals the on-disk keypair, generating one on first run.
func openSession(cfg config.Config, logger *zap.Logger) (*identity.Session, error) {
	passphrase := os.Getenv("AGORA_KEY_PASSPHRASE")
	if passphrase == "" {
		return nil, fmt.Errorf("AGORA_KEY_PASSPHRASE is required to unseal the instance key")
	}

	ks := identity.NewKeystore(cfg.Agent.KeystorePath)
	if !ks.Exists() {
		kp, err := identity.Generate()
		if err != nil {
			return nil, err
		}
		if err := ks.Save(kp, passphrase); err != nil {
			return nil, err
		}
		logger.Info("generated instance keypair",
			zap.String("path", cfg.Agent.KeystorePath),
			zap.String("instance_id", kp.ID()))
	}
	return identity.Unlock(ks, passphrase, 0)
}

// auditTrail is what the admin API needs from the audit log: both *Log
// and *Store satisfy it.
type auditTrail interface {
	audit.Recorder
	Recent(n int) []audit.Event
}

func openAudit(cfg config.Config, logger *zap.Logger) (auditTrail, func()) {
	store, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"), 10000)
	if err != nil {
		logger.Warn("cannot open audit database, falling back to in-memory", zap.Error(err))
		return audit.NewLog(10000), func() {}
	}
	return store, func() { _ = store.Close() }
}

// registerCommonsHandlers binds the signed commons operations as local
// handlers. These need the instance private key, so they run in-process
// and take precedence over any gateway delegation.
func registerCommonsHandlers(handlers *strategy.HandlerRegistry, client *commonsclient.Client, cfg config.Config) {
	handlers.Register("commons", "register", func(ctx context.Context, params strategy.Params) (string, error) {
		inst, err := client.EnsureRegistered(ctx, commonsclient.Profile{
			Nickname:    firstNonEmpty(params["nickname"], cfg.Agent.Nickname),
			Description: firstNonEmpty(params["description"], cfg.Agent.Description),
			RepoURL:     cfg.Agent.RepoURL,
		})
		if err != nil {
			return "", err
		}
		return "registered as " + inst.ID, nil
	})
	handlers.Register("commons", "heartbeat", func(ctx context.Context, params strategy.Params) (string, error) {
		if err := client.Heartbeat(ctx); err != nil {
			return "", err
		}
		return "heartbeat sent", nil
	})
	handlers.Register("commons", "peers", func(ctx context.Context, params strategy.Params) (string, error) {
		peers, err := client.Peers(ctx)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(peers)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
	handlers.Register("commons", "update_profile", func(ctx context.Context, params strategy.Params) (string, error) {
		inst, err := client.UpdateProfile(ctx, commonsclient.Profile{
			Nickname:      firstNonEmpty(params["nickname"], cfg.Agent.Nickname),
			Description:   firstNonEmpty(params["description"], cfg.Agent.Description),
			SkillsWriteup: params["skills_writeup"],
		})
		if err != nil {
			return "", err
		}
		return "profile updated for " + inst.ID, nil
	})
}

func adminMux(
	dispatcher *dispatch.Dispatcher,
	defs []*skill.Definition,
	queue *approval.Queue,
	gate *riskgate.Gate,
	auditRec auditTrail,
	logger *zap.Logger,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/skills", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, defs)
	})

	mux.HandleFunc("POST /api/v1/dispatch", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Skill     string            `json:"skill"`
			Command   string            `json:"command"`
			Params    strategy.Params   `json:"params,omitempty"`
			ParamSets []strategy.Params `json:"param_sets,omitempty"`
			Agent     string            `json:"agent,omitempty"`
			Mission   string            `json:"mission,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Skill == "" || req.Command == "" {
			writeError(w, http.StatusBadRequest, "skill and command are required")
			return
		}
		result := dispatcher.Execute(r.Context(), req.Skill, req.Command, req.Params, dispatch.Options{
			ParamSets: req.ParamSets,
			Agent:     req.Agent,
			Mission:   req.Mission,
		})
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /api/v1/posts", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Surface string `json:"surface"`
			Channel string `json:"channel,omitempty"`
			Title   string `json:"title"`
			Body    string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Surface == "" || req.Title == "" {
			writeError(w, http.StatusBadRequest, "surface and title are required")
			return
		}
		outcome, err := gate.Check(r.Context(), riskgate.Content{
			Surface: req.Surface,
			Channel: req.Channel,
			Title:   req.Title,
			Body:    req.Body,
		}, false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		switch {
		case outcome.Published:
			auditRec.Record(audit.Event{
				Type:    audit.EventPostPublished,
				Summary: fmt.Sprintf("post %q published to %s", req.Title, req.Surface),
				Detail:  map[string]any{"surface": req.Surface, "channel": req.Channel},
			})
		case outcome.Queued:
			auditRec.Record(audit.Event{
				Type:     audit.EventPostQueued,
				Severity: audit.SeverityWarning,
				Summary:  fmt.Sprintf("post %q diverted to approval queue", req.Title),
				Detail: map[string]any{
					"surface":     req.Surface,
					"approval_id": outcome.ApprovalID,
					"risk_level":  outcome.Assessment.Level,
				},
			})
		}
		writeJSON(w, http.StatusOK, outcome)
	})

	mux.HandleFunc("GET /api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		pending, err := queue.ListPending()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"approvals":     pending,
			"pending_count": queue.PendingCount(),
		})
	})

	mux.HandleFunc("GET /api/v1/approvals/{id}", func(w http.ResponseWriter, r *http.Request) {
		apr, err := queue.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		writeJSON(w, http.StatusOK, apr)
	})

	mux.HandleFunc("POST /api/v1/approvals/{id}/decide", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Decision  string `json:"decision"` // "approved" or "dismissed"
			DecidedBy string `json:"decided_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Decision == "" || body.DecidedBy == "" {
			writeError(w, http.StatusBadRequest, "decision and decided_by are required")
			return
		}

		apr, err := queue.Decide(r.PathValue("id"), approval.Status(body.Decision), body.DecidedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.ApprovalsPending.Dec()
		auditRec.Record(audit.Event{
			Type:    audit.EventApprovalDecided,
			Actor:   body.DecidedBy,
			Summary: fmt.Sprintf("approval %s %s by %s", apr.ID, apr.Status, body.DecidedBy),
			Detail:  map[string]any{"type": apr.Type, "title": apr.Title},
		})

		resp := map[string]any{"status": string(apr.Status), "approval": apr}

		// An approved post re-enters the gate exactly once with the
		// classifier skipped; the single pending->approved transition in
		// Decide is what makes a second resubmission impossible.
		if apr.Status == approval.StatusApproved && apr.Type == "post" {
			outcome, err := gate.Check(r.Context(), riskgate.Content{
				Surface: apr.Metadata["surface"],
				Channel: apr.Metadata["channel"],
				Title:   apr.Title,
				Body:    apr.Description,
			}, true)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if outcome.Published {
				auditRec.Record(audit.Event{
					Type:    audit.EventPostPublished,
					Actor:   body.DecidedBy,
					Summary: fmt.Sprintf("approved post %q published to %s", apr.Title, apr.Metadata["surface"]),
					Detail:  map[string]any{"approval_id": apr.ID},
				})
			}
			resp["outcome"] = outcome
			logger.Info("approved post published",
				zap.String("approval_id", apr.ID),
				zap.String("surface", apr.Metadata["surface"]))
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": auditRec.Recent(limit)})
	})

	return mux
}

// unavailableClassifier is wired when no LLM provider is configured; the
// gate degrades every classification to risky, so nothing auto-publishes
// below the "all" policy.
type unavailableClassifier struct{}

func (unavailableClassifier) Classify(ctx context.Context, content riskgate.Content) (riskgate.Assessment, error) {
	return riskgate.Assessment{}, fmt.Errorf("no LLM provider configured")
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
