package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdir/pkg/jsonrpc"
)

const methodAdminPeers = "admin_peers"

type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureTransport FailureKind = "transport"
	FailureMalformed FailureKind = "malformed"
	FailureRemote    FailureKind = "remote"
)

// RawPeer is one element of an admin_peers table as the bootnode reported it.
type RawPeer map[string]json.RawMessage

// FetchResult is the outcome of querying one bootnode. Failure is empty on success.
type FetchResult struct {
	Bootnode string
	Peers    []RawPeer
	Failure  FailureKind
	Err      error
}

func (r FetchResult) OK() bool {
	return r.Failure == ""
}

// Caller is the transport used for bootnode calls.
type Caller interface {
	Call(ctx context.Context, ep jsonrpc.Endpoint, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error)
}

type Fetcher struct {
	caller    Caller
	bootnodes []jsonrpc.Endpoint
	timeout   time.Duration
	log       logrus.FieldLogger
}

func NewFetcher(caller Caller, bootnodes []jsonrpc.Endpoint, timeout time.Duration, log logrus.FieldLogger) *Fetcher {
	return &Fetcher{caller: caller, bootnodes: bootnodes, timeout: timeout, log: log}
}

// FetchAll queries every bootnode concurrently and returns one result per
// bootnode in configuration order. A failing bootnode never fails the others.
func (f *Fetcher) FetchAll(ctx context.Context) []FetchResult {
	results := make([]FetchResult, len(f.bootnodes))
	var g errgroup.Group
	for i, ep := range f.bootnodes {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = f.fetchOne(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, ep jsonrpc.Endpoint) FetchResult {
	started := time.Now()
	res := FetchResult{Bootnode: ep.URL}
	body, err := f.caller.Call(ctx, ep, methodAdminPeers, nil, f.timeout)
	if err != nil {
		res.Err = err
		res.Failure = FailureTransport
		if jsonrpc.IsTimeout(err) {
			res.Failure = FailureTimeout
		}
	} else {
		res.Peers, res.Failure, res.Err = tableShape(body)
	}
	entry := f.log.WithFields(logrus.Fields{
		"bootnode": ep.URL,
		"took":     time.Since(started).Round(time.Millisecond),
	})
	if !res.OK() {
		entry.WithError(res.Err).WithField("failure", string(res.Failure)).Warn("fetch peers failed")
		return res
	}
	entry.WithField("peers", len(res.Peers)).Info("fetched peers")
	return res
}

// tableShape normalizes the two response shapes bootnodes use: a bare JSON
// array of peers, or a JSON-RPC envelope whose result is that array.
func tableShape(body []byte) ([]RawPeer, FailureKind, error) {
	b := bytes.TrimSpace(body)
	if len(b) == 0 {
		return nil, FailureMalformed, errors.New("empty response")
	}
	switch b[0] {
	case '[':
		peers, err := decodePeerTable(b)
		if err != nil {
			return nil, FailureMalformed, err
		}
		return peers, "", nil
	case '{':
		var env struct {
			Result json.RawMessage   `json:"result"`
			Error  *jsonrpc.RPCError `json:"error"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, FailureMalformed, err
		}
		if env.Error != nil {
			return nil, FailureRemote, env.Error
		}
		result := bytes.TrimSpace(env.Result)
		if len(result) == 0 || result[0] != '[' {
			return nil, FailureMalformed, errors.New("result is not a peer array")
		}
		peers, err := decodePeerTable(result)
		if err != nil {
			return nil, FailureMalformed, err
		}
		return peers, "", nil
	default:
		return nil, FailureMalformed, fmt.Errorf("unexpected response starting with %q", b[0])
	}
}

func decodePeerTable(b []byte) ([]RawPeer, error) {
	var peers []RawPeer
	if err := json.Unmarshal(b, &peers); err != nil {
		return nil, fmt.Errorf("decode peer table: %w", err)
	}
	out := peers[:0]
	for _, p := range peers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
