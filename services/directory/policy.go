package directory

import (
	"fmt"
	"sort"
	"time"

	"peerdir/pkg/proto"
)

type Thresholds struct {
	Refresh time.Duration
	Delete  time.Duration
}

func (t Thresholds) Validate() error {
	if t.Refresh <= 0 {
		return fmt.Errorf("refresh threshold must be positive, got %s", t.Refresh)
	}
	if t.Refresh >= t.Delete {
		return fmt.Errorf("refresh threshold %s must be lower than delete threshold %s", t.Refresh, t.Delete)
	}
	return nil
}

// IsRefreshCandidate is true once the last confirmed refresh, or first
// contact when never refreshed, is older than the refresh threshold.
func (t Thresholds) IsRefreshCandidate(c proto.PeerContact, now time.Time) bool {
	return now.Sub(c.RefreshBase().Time()) > t.Refresh
}

// IsEvictable is true once the peer has not been reported for longer than the
// delete threshold.
func (t Thresholds) IsEvictable(c proto.PeerContact, now time.Time) bool {
	return now.Sub(c.Last.Time()) > t.Delete
}

// refreshExhausted is true when a refresh already failed while the peer was
// evictable, which ends the refresh-over-evict deferral.
func (t Thresholds) refreshExhausted(c proto.PeerContact) bool {
	return c.RefreshFailed != nil && c.RefreshFailed.Time().Sub(c.Last.Time()) > t.Delete
}

type Action int

const (
	ActionKeep Action = iota
	ActionRefresh
	ActionEvict
)

func (a Action) String() string {
	switch a {
	case ActionRefresh:
		return "refresh"
	case ActionEvict:
		return "evict"
	default:
		return "keep"
	}
}

// Decide classifies one peer. A refresh candidate with a known origin is
// refreshed rather than evicted, once.
func (t Thresholds) Decide(c proto.PeerContact, originKnown bool, now time.Time) Action {
	evictable := t.IsEvictable(c, now)
	if originKnown && t.IsRefreshCandidate(c, now) {
		if evictable && t.refreshExhausted(c) {
			return ActionEvict
		}
		return ActionRefresh
	}
	if evictable {
		return ActionEvict
	}
	return ActionKeep
}

type RefreshJob struct {
	Identity   string
	Descriptor string
	Origin     string
}

type Plan struct {
	Refresh []RefreshJob
	Evict   []string
}

// OriginResolver maps a provenance bootnode URL to a usable endpoint. It
// reports false for origins that are no longer configured.
type OriginResolver func(bootnode string) bool

// BuildPlan classifies every peer. At most maxRefresh peers are selected for
// refresh, oldest last contact first; zero means no cap. A candidate left out
// by the cap is evicted when it is evictable and kept otherwise.
func (t Thresholds) BuildPlan(dir proto.Directory, prov proto.Provenance, known OriginResolver, maxRefresh int, now time.Time) Plan {
	var plan Plan
	type candidate struct {
		job     RefreshJob
		contact proto.PeerContact
	}
	var candidates []candidate
	for id, rec := range dir {
		origin := prov[id].Bootnode
		originKnown := origin != "" && known != nil && known(origin)
		descriptor := rec.StringAttr(proto.AttrEnode)
		if descriptor == "" {
			originKnown = false
		}
		switch t.Decide(rec.Contact, originKnown, now) {
		case ActionRefresh:
			candidates = append(candidates, candidate{
				job:     RefreshJob{Identity: id, Descriptor: descriptor, Origin: origin},
				contact: rec.Contact,
			})
		case ActionEvict:
			plan.Evict = append(plan.Evict, id)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].contact, candidates[j].contact
		if a.Last.Unix != b.Last.Unix {
			return a.Last.Unix < b.Last.Unix
		}
		if ra, rb := a.RefreshBase().Unix, b.RefreshBase().Unix; ra != rb {
			return ra < rb
		}
		return candidates[i].job.Identity < candidates[j].job.Identity
	})
	for i, c := range candidates {
		if maxRefresh > 0 && i >= maxRefresh {
			if t.IsEvictable(c.contact, now) {
				plan.Evict = append(plan.Evict, c.job.Identity)
			}
			continue
		}
		plan.Refresh = append(plan.Refresh, c.job)
	}
	sort.Strings(plan.Evict)
	return plan
}
