package geo

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"peerdir/pkg/kv"
	"peerdir/pkg/proto"
)

const (
	cacheKeyPrefix = "ipInfo."

	DefaultCacheExpiry = 10 * 24 * time.Hour
	defaultLocalSize   = 4096
	defaultLocalTTL    = time.Hour
)

var errSkipped = errors.New("geo: address not routable")

type Options struct {
	// CacheExpiry is the TTL of entries written to the shared cache.
	CacheExpiry time.Duration
	// RatePerSecond limits calls to the lookup service. Zero disables limiting.
	RatePerSecond float64
	Burst         int
	// Disabled turns Resolve into a no-op.
	Disabled  bool
	LocalSize int
}

// Augmenter resolves IPs through a two-level cache in front of a Lookup.
// Successful lookups are cached; failures never are.
type Augmenter struct {
	lookup  Lookup
	cache   kv.Cache
	local   *expirable.LRU[string, proto.GeoInfo]
	limiter *rate.Limiter
	group   singleflight.Group
	expiry  time.Duration
	enabled bool
	log     logrus.FieldLogger
}

func NewAugmenter(lookup Lookup, cache kv.Cache, opts Options, log logrus.FieldLogger) *Augmenter {
	if opts.CacheExpiry <= 0 {
		opts.CacheExpiry = DefaultCacheExpiry
	}
	if opts.LocalSize <= 0 {
		opts.LocalSize = defaultLocalSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	localTTL := defaultLocalTTL
	if opts.CacheExpiry < localTTL {
		localTTL = opts.CacheExpiry
	}
	a := &Augmenter{
		lookup:  lookup,
		cache:   cache,
		local:   expirable.NewLRU[string, proto.GeoInfo](opts.LocalSize, nil, localTTL),
		expiry:  opts.CacheExpiry,
		enabled: !opts.Disabled && lookup != nil,
		log:     log.WithField("component", "geo"),
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return a
}

func (a *Augmenter) Enabled() bool {
	return a.enabled
}

// Resolve returns location metadata for ip, or nil when it cannot be resolved.
func (a *Augmenter) Resolve(ctx context.Context, ip string) *proto.GeoInfo {
	if !a.enabled || ip == "" {
		return nil
	}
	geo, err := a.resolve(ctx, ip)
	if err != nil {
		if !errors.Is(err, errSkipped) {
			a.log.WithError(err).WithField("ip", ip).Warn("geo lookup failed")
		}
		return nil
	}
	return geo
}

func (a *Augmenter) resolve(ctx context.Context, ip string) (*proto.GeoInfo, error) {
	if !Routable(ip) {
		return nil, errSkipped
	}
	if geo, ok := a.local.Get(ip); ok {
		return &geo, nil
	}
	v, err, _ := a.group.Do(ip, func() (interface{}, error) {
		if geo, ok := a.fromCache(ctx, ip); ok {
			a.local.Add(ip, *geo)
			return geo, nil
		}
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		geo, err := a.lookup.Lookup(ctx, ip)
		if err != nil {
			return nil, err
		}
		if geo == nil || geo.IsEmpty() {
			return nil, errors.New("geo: empty lookup result")
		}
		a.store(ctx, ip, geo)
		a.local.Add(ip, *geo)
		return geo, nil
	})
	if err != nil {
		return nil, err
	}
	geo := *v.(*proto.GeoInfo)
	return &geo, nil
}

func (a *Augmenter) fromCache(ctx context.Context, ip string) (*proto.GeoInfo, bool) {
	if a.cache == nil {
		return nil, false
	}
	raw, err := a.cache.Get(ctx, cacheKeyPrefix+ip)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			a.log.WithError(err).WithField("ip", ip).Debug("geo cache read failed")
		}
		return nil, false
	}
	var geo proto.GeoInfo
	if err := json.Unmarshal(raw, &geo); err != nil || geo.IsEmpty() {
		return nil, false
	}
	return &geo, true
}

func (a *Augmenter) store(ctx context.Context, ip string, geo *proto.GeoInfo) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(geo)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, cacheKeyPrefix+ip, raw, a.expiry); err != nil {
		a.log.WithError(err).WithField("ip", ip).Warn("geo cache write failed")
	}
}

// Routable reports whether ip is a public unicast address worth looking up.
func Routable(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() ||
		parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() || parsed.IsMulticast())
}
