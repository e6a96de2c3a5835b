package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"peerdir/internal/config"
	"peerdir/pkg/geo"
	"peerdir/pkg/kv"
	"peerdir/services/directory"
)

type Roles struct {
	API     bool
	Updater bool
}

func (r Roles) Any() bool {
	return r.API || r.Updater
}

type Config struct {
	ConfigPath string
	Roles      Roles
}

func Run(ctx context.Context, cfg Config, log logrus.FieldLogger) error {
	if !cfg.Roles.Any() {
		return errors.New("no services enabled")
	}
	settings, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cache, err := openCache(ctx, settings, log)
	if err != nil {
		return err
	}
	defer cache.Close()

	resolver, err := newGeo(settings, cache, log)
	if err != nil {
		return err
	}
	svc, err := directory.New(settings, cache, resolver, log)
	if err != nil {
		return err
	}

	var runners []func(context.Context) error
	switch {
	case cfg.Roles.API && cfg.Roles.Updater:
		runners = append(runners, svc.Run)
	case cfg.Roles.API:
		runners = append(runners, svc.RunAPI)
	case cfg.Roles.Updater:
		runners = append(runners, svc.RunUpdater)
	}

	errCh := make(chan error, len(runners))
	for _, runner := range runners {
		go func(runFn func(context.Context) error) {
			errCh <- runFn(ctx)
		}(runner)
	}

	for i := 0; i < len(runners); i++ {
		err := <-errCh
		if err == nil || errors.Is(err, context.Canceled) {
			continue
		}
		return fmt.Errorf("peerdir stopped: %w", err)
	}

	log.Info("peerdir stopped")
	return nil
}

func openCache(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (kv.Cache, error) {
	switch cfg.CacheBackend {
	case config.CacheLevelDB:
		return kv.OpenLevelDB(cfg.LevelDBPath, nil)
	default:
		r := kv.NewRedis(cfg.RedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err := r.Ping(ctx); err != nil {
			// go-redis reconnects on demand.
			log.WithError(err).WithField("addr", cfg.RedisAddr()).Warn("redis not reachable yet")
		}
		return r, nil
	}
}

// newGeo returns nil in debug mode so the directory skips location lookups.
func newGeo(cfg *config.Config, cache kv.Cache, log logrus.FieldLogger) (directory.GeoResolver, error) {
	if cfg.Debug {
		log.Info("debug mode: geo lookups disabled")
		return nil, nil
	}
	lookup, err := geo.NewIPInfo(cfg.Geo.BaseURL, cfg.Geo.Token, cfg.FetchTimeout(), &http.Client{})
	if err != nil {
		return nil, err
	}
	return geo.NewAugmenter(lookup, cache, geo.Options{
		CacheExpiry:   cfg.GeoCacheExpiry(),
		RatePerSecond: cfg.Geo.RatePerSecond,
		Burst:         cfg.Geo.Burst,
	}, log), nil
}
