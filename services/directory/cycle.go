package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdir/pkg/proto"
)

var ErrCycleInFlight = errors.New("directory: update cycle already in flight")

// GeoResolver returns location metadata for an IP, or nil when unknown.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) *proto.GeoInfo
}

func (s *Service) runUpdater(ctx context.Context) {
	if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
		s.log.WithError(err).Error("initial update cycle failed")
	}
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				s.log.WithError(err).Error("update cycle failed")
			}
		}
	}
}

// RunCycle performs one fetch, merge, geo, evict, save, refresh, save pass.
// It returns ErrCycleInFlight without doing anything when another cycle is
// running.
func (s *Service) RunCycle(ctx context.Context) (proto.CycleRunStatus, error) {
	if !s.running.CompareAndSwap(false, true) {
		skipped := s.skippedRuns.Add(1)
		s.metrics.cyclesSkipped.Inc()
		s.log.WithField("skipped_runs", skipped).Warn("update cycle still running, skipping trigger")
		return proto.CycleRunStatus{}, ErrCycleInFlight
	}
	defer s.running.Store(false)

	started := s.clock.Now()
	status := proto.CycleRunStatus{
		CycleID:   uuid.NewString(),
		StartedAt: started.Unix(),
	}
	log := s.log.WithField("cycle", status.CycleID)

	err := s.cycle(ctx, log, &status)

	status.FinishedAt = s.clock.Now().Unix()
	status.SkippedRuns = s.skippedRuns.Load()
	status.Success = err == nil
	if err != nil {
		status.Error = err.Error()
		s.metrics.cycles.WithLabelValues("failure").Inc()
	} else {
		s.metrics.cycles.WithLabelValues("success").Inc()
	}
	s.metrics.cycleDuration.Observe(s.clock.Since(started).Seconds())
	s.setCycleStatus(status)
	return status, err
}

func (s *Service) cycle(ctx context.Context, log logrus.FieldLogger, status *proto.CycleRunStatus) error {
	prev, prevProv, err := s.store.Load(ctx)
	if err != nil {
		return err
	}

	results := s.fetcher.FetchAll(ctx)
	for _, res := range results {
		fs := proto.BootnodeFetchStatus{Bootnode: res.Bootnode, Success: res.OK(), Peers: len(res.Peers)}
		outcome := "success"
		if !res.OK() {
			fs.Failure = string(res.Failure)
			fs.Error = errorString(res.Err)
			outcome = string(res.Failure)
		}
		s.metrics.fetches.WithLabelValues(res.Bootnode, outcome).Inc()
		status.Bootnodes = append(status.Bootnodes, fs)
	}

	now := s.clock.Now()
	dir, prov, stats := Merge(prev, prevProv, results, now)
	status.Merged, status.Skipped, status.Invalid = stats.Merged, stats.Skipped, stats.Invalid
	if stats.Invalid > 0 {
		log.WithField("invalid", stats.Invalid).Warn("dropped peers without a valid enode")
	}

	plan := s.thresholds.BuildPlan(dir, prov, s.originConfigured, s.maxRefresh, now)
	for _, id := range plan.Evict {
		delete(dir, id)
		delete(prov, id)
		log.WithField("peer", shortID(id)).Debug("evicted stale peer")
	}
	status.Evicted = len(plan.Evict)
	s.metrics.evicted.Add(float64(len(plan.Evict)))

	s.augmentGeo(ctx, dir)

	var saveErr error
	if err := s.store.Save(ctx, dir, prov); err != nil {
		log.WithError(err).Error("save directory failed")
		saveErr = err
	}

	if len(plan.Refresh) > 0 {
		report := s.refresher.Run(ctx, plan.Refresh)
		applyRefreshOutcomes(dir, report.Outcomes, s.clock.Now())
		status.Refresh = proto.RefreshRunStatus{
			Submitted: report.Submitted,
			Succeeded: report.Succeeded,
			Failed:    report.Failed,
			Batches:   report.Batches,
		}
		s.metrics.refreshResults.WithLabelValues("success").Add(float64(report.Succeeded))
		s.metrics.refreshResults.WithLabelValues("failure").Add(float64(report.Failed))
		log.WithFields(logrus.Fields{
			"submitted": report.Submitted,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
		}).Info("refresh finished")
		if err := s.store.Save(ctx, dir, prov); err != nil {
			log.WithError(err).Error("save directory after refresh failed")
			saveErr = err
		}
	}

	public := 0
	for _, rec := range dir {
		if rec.Public {
			public++
		}
	}
	status.Directory, status.Public = len(dir), public
	s.metrics.peers.Set(float64(len(dir)))
	s.metrics.publicPeers.Set(float64(public))
	log.WithFields(logrus.Fields{
		"peers":   len(dir),
		"public":  public,
		"evicted": len(plan.Evict),
	}).Infof("found %d unique peers, %d are publicly accessible", len(dir), public)
	return saveErr
}

// augmentGeo resolves geo for records that do not have it yet. A failed
// lookup leaves the record untouched so the next cycle retries it.
func (s *Service) augmentGeo(ctx context.Context, dir proto.Directory) {
	if s.geo == nil {
		return
	}
	var mu sync.Mutex
	resolved := make(map[string]*proto.GeoInfo)
	var g errgroup.Group
	g.SetLimit(max(1, s.geoConcurrency))
	for id, rec := range dir {
		if rec.Geo != nil {
			continue
		}
		ip := RemoteIP(remoteAddress(rec), rec.StringAttr(proto.AttrEnode))
		if ip == "" {
			continue
		}
		id := id
		g.Go(func() error {
			if geo := s.geo.Resolve(ctx, ip); geo != nil {
				mu.Lock()
				resolved[id] = geo
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	for id, geo := range resolved {
		rec := dir[id]
		rec.Geo = geo
		dir[id] = rec
	}
}

func applyRefreshOutcomes(dir proto.Directory, outcomes []RefreshOutcome, at time.Time) {
	for _, o := range outcomes {
		rec, ok := dir[o.Identity]
		if !ok {
			continue
		}
		ts := proto.NewTimestamp(at)
		if o.OK {
			rec.Contact.Refresh = &ts
			rec.Contact.RefreshFailed = nil
		} else {
			rec.Contact.RefreshFailed = &ts
		}
		dir[o.Identity] = rec
	}
}

func (s *Service) originConfigured(bootnode string) bool {
	_, ok := s.origins[bootnode]
	return ok
}

func (s *Service) setCycleStatus(status proto.CycleRunStatus) {
	s.statusMu.Lock()
	s.lastCycle = status
	s.statusMu.Unlock()
}

func (s *Service) cycleStatus() proto.CycleRunStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastCycle
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
