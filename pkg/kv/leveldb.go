package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	log "github.com/sirupsen/logrus"
)

var _ Cache = (*LevelDB)(nil)

// entry is the on-disk envelope. ExpiresAt is unix nanoseconds, zero for no expiry.
type entry struct {
	Value     []byte `cbor:"1,keyasint"`
	ExpiresAt int64  `cbor:"2,keyasint,omitempty"`
}

// LevelDB is a single-node Cache. Expired keys are dropped lazily on read.
type LevelDB struct {
	path  string
	clock clock.Clock
	mu    sync.Mutex
	db    *leveldb.DB
}

func OpenLevelDB(path string, clk clock.Clock) (*LevelDB, error) {
	if clk == nil {
		clk = clock.New()
	}
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}
	db, err := leveldb.OpenFile(path, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("path", path).Info("opened leveldb cache")
	return &LevelDB{path: path, clock: clk, db: db}, nil
}

func (l *LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.ExpiresAt != 0 && l.clock.Now().UnixNano() >= e.ExpiresAt {
		if err := l.db.Delete([]byte(key), nil); err != nil {
			log.WithError(err).WithField("key", key).Warn("drop expired key")
		}
		return nil, ErrNotFound
	}
	return e.Value, nil
}

func (l *LevelDB) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := entry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = l.clock.Now().Add(ttl).UnixNano()
	}
	raw, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Put([]byte(key), raw, nil)
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
