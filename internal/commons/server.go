package commons

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agora-collective/agora/internal/audit"
	"github.com/agora-collective/agora/internal/identity"
	"github.com/agora-collective/agora/internal/metrics"
	"github.com/agora-collective/agora/internal/ratelimit"
	"github.com/agora-collective/agora/internal/signing"
)

const maxBodyBytes = 64 * 1024

// Config tunes the commons service.
type Config struct {
	// RegisterLimitPerDay caps registrations per hashed client address.
	// Loosened for development; production deployments should tighten it.
	RegisterLimitPerDay int

	// StaleAfter is how long an instance may go without a heartbeat
	// before the sweep marks it offline.
	StaleAfter time.Duration

	// PerIPRequestsPerSecond throttles each client address across all
	// endpoints. Zero disables the middleware.
	PerIPRequestsPerSecond float64
	PerIPBurst             int
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		RegisterLimitPerDay:    20,
		StaleAfter:             30 * time.Minute,
		PerIPRequestsPerSecond: 10,
		PerIPBurst:             30,
	}
}

// Server is the commons HTTP service.
type Server struct {
	store   *Store
	limiter ratelimit.Limiter
	audit   audit.Recorder
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	ipMu       sync.Mutex
	ipLimiters map[string]*rate.Limiter
}

func NewServer(store *Store, limiter ratelimit.Limiter, auditRec audit.Recorder, logger *zap.Logger, cfg Config) *Server {
	if cfg.RegisterLimitPerDay <= 0 {
		cfg.RegisterLimitPerDay = DefaultConfig().RegisterLimitPerDay
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Server{
		store:      store,
		limiter:    limiter,
		audit:      auditRec,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		ipLimiters: make(map[string]*rate.Limiter),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /api/v1/peers", s.handlePeers)
	mux.HandleFunc("GET /api/v1/instances/{id}", s.handleGetProfile)
	mux.HandleFunc("PUT /api/v1/instances/{id}", s.handleUpdateProfile)
	mux.HandleFunc("POST /api/v1/instances/{id}", s.handleUpdateProfile)
	mux.HandleFunc("GET /api/v1/gallery", s.handleGallery)

	return s.withIPLimit(mux)
}

// StartSweeper runs the staleness sweep on a schedule. The returned cron
// must be stopped on shutdown.
func (s *Server) StartSweeper() *cron.Cron {
	c := cron.New()
	// Every 5 minutes; gallery reads also sweep opportunistically.
	_, _ = c.AddFunc("*/5 * * * *", func() { s.Sweep() })
	c.Start()
	return c
}

// Sweep marks instances with no recent heartbeat offline.
func (s *Server) Sweep() {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	ids, err := s.store.MarkStaleOffline(cutoff)
	if err != nil {
		s.logger.Error("staleness sweep failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.audit.Record(audit.Event{
			Type:    audit.EventInstanceOffline,
			Actor:   id,
			Summary: fmt.Sprintf("instance %s marked offline after %s without heartbeat", id, s.cfg.StaleAfter),
		})
	}
	if len(ids) > 0 {
		s.logger.Info("marked stale instances offline", zap.Int("count", len(ids)))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if field, ok := firstMissing(map[string]string{
		"public_key": req.PublicKey,
		"nickname":   req.Nickname,
		"timestamp":  req.Timestamp,
		"signature":  req.Signature,
	}); !ok {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("missing required field %q", field))
		return
	}
	if len(req.Nickname) > MaxNickname {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("nickname exceeds %d characters", MaxNickname))
		return
	}
	if len(req.Description) > MaxDescription {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("description exceeds %d characters", MaxDescription))
		return
	}
	if len(req.SkillsWriteup) > MaxSkillsWriteup {
		req.SkillsWriteup = req.SkillsWriteup[:MaxSkillsWriteup]
	}

	fingerprint := fingerprintFor(clientIP(r))
	decision, err := s.limiter.Allow(r.Context(), "register:"+fingerprint,
		s.cfg.RegisterLimitPerDay, 24*time.Hour)
	if err != nil {
		s.logger.Error("rate limiter unavailable", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "rate limiter unavailable")
		return
	}
	if !decision.Allowed {
		metrics.RecordRateLimitBlock("register")
		s.audit.Record(audit.Event{
			Type:     audit.EventRateLimitBlocked,
			Severity: audit.SeverityWarning,
			Summary:  fmt.Sprintf("registration blocked for client %s", fingerprint),
		})
		writeRateLimited(w, decision.ResetAt)
		return
	}

	ts, err := signing.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "timestamp is not a unix millisecond value")
		return
	}
	if err := signing.CheckFreshness(ts, s.now()); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("timestamp rejected: %v", err))
		return
	}

	pub, err := signing.DecodePublicKey(req.PublicKey)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("public_key rejected: %v", err))
		return
	}
	canonical := RegisterCanonical(req.PublicKey, req.Nickname, req.Description, req.RepoURL, req.Timestamp)
	if err := signing.Verify(pub, canonical, req.Signature); err != nil {
		metrics.RecordSignatureFailure("register")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "signature verification failed")
		return
	}

	inst := &Instance{
		ID:            identity.InstanceID(pub),
		PublicKey:     req.PublicKey,
		Nickname:      req.Nickname,
		Description:   req.Description,
		RepoURL:       req.RepoURL,
		SkillsWriteup: req.SkillsWriteup,
		Fingerprint:   fingerprint,
	}
	if err := s.store.Upsert(inst); err != nil {
		s.logger.Error("register upsert failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not store instance")
		return
	}
	stored, err := s.store.Get(inst.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not read back instance")
		return
	}

	s.audit.Record(audit.Event{
		Type:    audit.EventInstanceRegistered,
		Actor:   inst.ID,
		Summary: fmt.Sprintf("instance %s registered as %q", inst.ID, inst.Nickname),
	})
	s.logger.Info("instance registered",
		zap.String("instance_id", inst.ID),
		zap.String("nickname", inst.Nickname))

	writeJSON(w, http.StatusCreated, RegisterResponse{Instance: stored, Remaining: decision.Remaining})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if field, ok := firstMissing(map[string]string{
		"instance_id": req.InstanceID,
		"timestamp":   req.Timestamp,
		"signature":   req.Signature,
	}); !ok {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("missing required field %q", field))
		return
	}

	ts, err := signing.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "timestamp is not a unix millisecond value")
		return
	}
	if err := signing.CheckFreshness(ts, s.now()); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("timestamp rejected: %v", err))
		return
	}

	inst, err := s.store.Get(req.InstanceID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	pub, err := signing.DecodePublicKey(inst.PublicKey)
	if err != nil {
		s.logger.Error("stored public key corrupt", zap.String("instance_id", inst.ID), zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "stored public key unreadable")
		return
	}
	if err := signing.Verify(pub, HeartbeatCanonical(req.InstanceID, req.Timestamp), req.Signature); err != nil {
		metrics.RecordSignatureFailure("heartbeat")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "signature verification failed")
		return
	}

	if err := s.store.Touch(req.InstanceID); err != nil {
		s.writeLookupError(w, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instanceID := q.Get("instance_id")
	timestamp := q.Get("timestamp")
	sig := q.Get("signature")
	publicKey := q.Get("public_key")

	if field, ok := firstMissing(map[string]string{
		"instance_id": instanceID,
		"timestamp":   timestamp,
		"signature":   sig,
		"public_key":  publicKey,
	}); !ok {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("missing required query parameter %q", field))
		return
	}

	ts, err := signing.ParseTimestamp(timestamp)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "timestamp is not a unix millisecond value")
		return
	}
	if err := signing.CheckFreshness(ts, s.now()); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("timestamp rejected: %v", err))
		return
	}

	inst, err := s.store.Get(instanceID)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	// A caller cannot re-key an existing identity through a normal
	// request: the claimed key must equal the stored one.
	if publicKey != inst.PublicKey {
		metrics.RecordSignatureFailure("peers_key_mismatch")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "public_key does not match registered key")
		return
	}
	pub, err := signing.DecodePublicKey(inst.PublicKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "stored public key unreadable")
		return
	}
	if err := signing.Verify(pub, PeersCanonical(instanceID, publicKey, timestamp), sig); err != nil {
		metrics.RecordSignatureFailure("peers")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "signature verification failed")
		return
	}

	// A verified peers query proves liveness, so it counts as a
	// heartbeat.
	if err := s.store.Touch(instanceID); err == nil {
		metrics.HeartbeatsTotal.Inc()
	}

	peers, err := s.store.Peers(inst.Fingerprint, instanceID)
	if err != nil {
		s.logger.Error("peer query failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not query peers")
		return
	}
	if peers == nil {
		peers = []*Instance{}
	}
	writeJSON(w, http.StatusOK, PeersResponse{Peers: peers})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	id := r.PathValue("id")

	var req ProfileUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if field, ok := firstMissing(map[string]string{
		"public_key": req.PublicKey,
		"nickname":   req.Nickname,
		"timestamp":  req.Timestamp,
		"signature":  req.Signature,
	}); !ok {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("missing required field %q", field))
		return
	}
	if len(req.Nickname) > MaxNickname {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("nickname exceeds %d characters", MaxNickname))
		return
	}
	if len(req.Description) > MaxDescription {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("description exceeds %d characters", MaxDescription))
		return
	}
	if len(req.SkillsWriteup) > MaxSkillsWriteup {
		req.SkillsWriteup = req.SkillsWriteup[:MaxSkillsWriteup]
	}

	ts, err := signing.ParseTimestamp(req.Timestamp)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", "timestamp is not a unix millisecond value")
		return
	}
	if err := signing.CheckFreshness(ts, s.now()); err != nil {
		writeJSONError(w, http.StatusBadRequest, "validation", fmt.Sprintf("timestamp rejected: %v", err))
		return
	}

	inst, err := s.store.Get(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if req.PublicKey != inst.PublicKey {
		metrics.RecordSignatureFailure("profile_key_mismatch")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "public_key does not match registered key")
		return
	}
	pub, err := signing.DecodePublicKey(inst.PublicKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "stored public key unreadable")
		return
	}
	canonical := ProfileCanonical(id, req.Nickname, req.Description, req.SkillsWriteup, req.Timestamp)
	if err := signing.Verify(pub, canonical, req.Signature); err != nil {
		metrics.RecordSignatureFailure("profile")
		writeJSONError(w, http.StatusUnauthorized, "authentication", "signature verification failed")
		return
	}

	if err := s.store.UpdateProfile(id, req.Nickname, req.Description, req.SkillsWriteup); err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.audit.Record(audit.Event{
		Type:    audit.EventProfileUpdated,
		Actor:   id,
		Summary: fmt.Sprintf("instance %s updated its profile", id),
	})

	updated, err := s.store.Get(id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "validation", "limit must be an integer")
			return
		}
		limit = n
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "validation", "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	// Readers should not see instances that silently died.
	s.Sweep()

	instances, err := s.store.Gallery(limit, offset)
	if err != nil {
		s.logger.Error("gallery query failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not query gallery")
		return
	}
	if instances == nil {
		instances = []*Instance{}
	}
	total, err := s.store.Count()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal", "could not count instances")
		return
	}
	writeJSON(w, http.StatusOK, GalleryResponse{
		Instances: instances,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// withIPLimit throttles each client address across all endpoints.
func (s *Server) withIPLimit(next http.Handler) http.Handler {
	if s.cfg.PerIPRequestsPerSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimiter(clientIP(r)).Allow() {
			metrics.RecordRateLimitBlock("per_ip")
			writeRateLimited(w, s.now().Add(time.Second))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	l, ok := s.ipLimiters[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.PerIPRequestsPerSecond), s.cfg.PerIPBurst)
		s.ipLimiters[ip] = l
	}
	return l
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInstanceNotFound) {
		writeJSONError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	s.logger.Error("instance lookup failed", zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "internal", "instance lookup failed")
}

// firstMissing returns the first empty required field, in a stable order
// so error messages are deterministic.
func firstMissing(fields map[string]string) (string, bool) {
	order := []string{"instance_id", "public_key", "nickname", "timestamp", "signature"}
	for _, name := range order {
		if v, present := fields[name]; present && v == "" {
			return name, false
		}
	}
	return "", true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fingerprintFor hashes a client address so peer grouping and rate-limit
// keys never store raw IPs.
func fingerprintFor(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}

// APIError is the standard error response format.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	ResetAt string `json:"reset_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}

// writeRateLimited carries the reset time so clients can surface a retry
// hint.
func writeRateLimited(w http.ResponseWriter, resetAt time.Time) {
	writeJSON(w, http.StatusTooManyRequests, APIError{
		Error:   "rate limit exceeded",
		Code:    "rate_limited",
		ResetAt: resetAt.UTC().Format(time.RFC3339),
	})
}

// Run serves until ctx is cancelled, then drains with a bounded timeout.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("commons service listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
