package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"peerdir/pkg/kv"
	"peerdir/pkg/proto"
)

const (
	keyPeers      = "peers"
	keyProvenance = "peersDebug"
)

// Store persists the directory and its provenance as two whole snapshots.
type Store struct {
	cache kv.Cache
}

func NewStore(cache kv.Cache) *Store {
	return &Store{cache: cache}
}

// Load returns the stored snapshots. Missing keys load as empty maps.
func (s *Store) Load(ctx context.Context) (proto.Directory, proto.Provenance, error) {
	dir, err := s.LoadDirectory(ctx)
	if err != nil {
		return nil, nil, err
	}
	prov := proto.Provenance{}
	if err := s.get(ctx, keyProvenance, &prov); err != nil {
		return nil, nil, err
	}
	if prov == nil {
		prov = proto.Provenance{}
	}
	return dir, prov, nil
}

func (s *Store) LoadDirectory(ctx context.Context) (proto.Directory, error) {
	dir := proto.Directory{}
	if err := s.get(ctx, keyPeers, &dir); err != nil {
		return nil, err
	}
	if dir == nil {
		dir = proto.Directory{}
	}
	return dir, nil
}

// Save overwrites both snapshots. Both writes are attempted even if one fails.
func (s *Store) Save(ctx context.Context, dir proto.Directory, prov proto.Provenance) error {
	var err error
	err = multierr.Append(err, s.set(ctx, keyPeers, dir))
	err = multierr.Append(err, s.set(ctx, keyProvenance, prov))
	return err
}

func (s *Store) get(ctx context.Context, key string, out interface{}) error {
	raw, err := s.cache.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.cache.Set(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
