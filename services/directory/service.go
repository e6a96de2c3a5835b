// Package directory aggregates bootnode peer tables into a deduplicated,
// geolocated peer directory and keeps it fresh.
package directory

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"peerdir/internal/config"
	"peerdir/pkg/jsonrpc"
	"peerdir/pkg/kv"
	"peerdir/pkg/proto"
)

type Service struct {
	addr       string
	adminToken string
	cors       []*regexp.Regexp
	server     *http.Server

	store     *Store
	fetcher   *Fetcher
	refresher *Refresher
	geo       GeoResolver
	origins   map[string]jsonrpc.Endpoint

	thresholds     Thresholds
	maxRefresh     int
	geoConcurrency int
	interval       time.Duration

	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *metrics

	running     atomic.Bool
	skippedRuns atomic.Int64
	statusMu    sync.RWMutex
	lastCycle   proto.CycleRunStatus
}

// New wires a service from validated configuration. geo may be nil to
// disable location lookups.
func New(cfg *config.Config, cache kv.Cache, geo GeoResolver, log logrus.FieldLogger) (*Service, error) {
	thresholds := Thresholds{Refresh: cfg.RefreshThreshold(), Delete: cfg.DeleteThreshold()}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	cors := make([]*regexp.Regexp, 0, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		re, err := regexp.Compile(o)
		if err != nil {
			return nil, fmt.Errorf("cors origin %q: %w", o, err)
		}
		cors = append(cors, re)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("service", "directory")

	bootnodes := make([]jsonrpc.Endpoint, 0, len(cfg.Bootnodes))
	origins := make(map[string]jsonrpc.Endpoint, len(cfg.Bootnodes))
	for _, b := range cfg.Bootnodes {
		ep := jsonrpc.Endpoint{URL: b.URL, Username: b.Username, Password: b.Password}
		bootnodes = append(bootnodes, ep)
		origins[b.URL] = ep
	}

	clk := clock.New()
	rpc := jsonrpc.NewClient(&http.Client{}, jsonrpc.NewSequence(0))
	s := &Service{
		addr:           cfg.ListenAddr,
		adminToken:     cfg.AdminToken,
		cors:           cors,
		store:          NewStore(cache),
		fetcher:        NewFetcher(rpc, bootnodes, cfg.FetchTimeout(), log),
		geo:            geo,
		origins:        origins,
		thresholds:     thresholds,
		maxRefresh:     cfg.MaxRefreshPerCycle,
		geoConcurrency: cfg.GeoConcurrency,
		interval:       cfg.CycleInterval(),
		clock:          clk,
		log:            log,
		metrics:        newMetrics(),
	}
	s.refresher = NewRefresher(rpc, s.endpoint, cfg.RefreshBatchSize, cfg.RefreshCallTimeout(), cfg.RefreshSettle(), clk, log)
	return s, nil
}

func (s *Service) endpoint(bootnode string) (jsonrpc.Endpoint, bool) {
	ep, ok := s.origins[bootnode]
	return ep, ok
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/v1/admin/cycle-status", s.handleCycleStatus)
	mux.HandleFunc("/v1/admin/cycle", s.handleTriggerCycle)
	mux.Handle("/metrics", s.metrics.handler())
	return s.withCORS(mux)
}

// Run serves the HTTP API and runs the update loop until ctx is done. It
// returns only after an in-flight cycle has finished.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updaterDone := make(chan struct{})
	go func() {
		defer close(updaterDone)
		s.runUpdater(ctx)
	}()
	err := s.RunAPI(ctx)
	cancel()
	<-updaterDone
	return err
}

// RunUpdater runs the update loop only.
func (s *Service) RunUpdater(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"bootnodes":     len(s.origins),
		"interval":      s.interval,
		"refresh_after": s.thresholds.Refresh,
		"delete_after":  s.thresholds.Delete,
		"max_refresh":   s.maxRefresh,
	}).Info("directory updater started")
	s.runUpdater(ctx)
	return ctx.Err()
}

// RunAPI serves the HTTP API only.
func (s *Service) RunAPI(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.addr).Info("directory listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dir, err := s.store.LoadDirectory(r.Context())
	if err != nil {
		s.log.WithError(err).Error("load peers failed")
		writeEmptyObject(w, http.StatusInternalServerError)
		return
	}
	if err := writeJSONWithETag(w, r, dir.Sorted()); err != nil {
		s.log.WithError(err).Error("encode peers failed")
		writeEmptyObject(w, http.StatusInternalServerError)
	}
}

func (s *Service) handleCycleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := proto.CycleStatusResponse{
		GeneratedAt: time.Now().UTC().Unix(),
		Running:     s.running.Load(),
		Last:        s.cycleStatus(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// The cycle outlives a disconnecting client.
	status, err := s.RunCycle(context.WithoutCancel(r.Context()))
	if errors.Is(err, ErrCycleInFlight) {
		http.Error(w, "cycle in flight", http.StatusConflict)
		return
	}
	code := http.StatusOK
	if err != nil {
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// authorized checks the admin token. An empty configured token disables the
// admin endpoints.
func (s *Service) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token")) == s.adminToken
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowOriginFunc: s.allowedOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:  []string{"Content-Type", "X-Admin-Token"},
	}).Handler(next)
}

func (s *Service) allowedOrigin(origin string) bool {
	for _, re := range s.cors {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

func writeEmptyObject(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte("{}"))
}

func writeJSONWithETag(w http.ResponseWriter, r *http.Request, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	etag := fmt.Sprintf("\"%x\"", sum[:8])
	if strings.TrimSpace(r.Header.Get("If-None-Match")) == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, err = w.Write(b)
	return err
}
