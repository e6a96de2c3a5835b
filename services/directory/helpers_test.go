package directory

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/sirupsen/logrus/hooks/test"

	"peerdir/pkg/jsonrpc"
	"peerdir/pkg/kv"
	"peerdir/pkg/proto"
)

const (
	bootA = "http://boot-a.local:8545"
	bootB = "http://boot-b.local:8545"
)

var testEpoch = time.Unix(1_700_000_000, 0).UTC()

// testEnode returns a fresh peer identity and its enode descriptor.
func testEnode(t *testing.T, ip string) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	n := enode.NewV4(&key.PublicKey, net.ParseIP(ip), 30303, 30303)
	return hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)[1:]), n.URLv4()
}

func rawPeer(descriptor string, extra map[string]string) RawPeer {
	p := RawPeer{proto.AttrEnode: mustJSON(descriptor)}
	for k, v := range extra {
		p[k] = json.RawMessage(v)
	}
	return p
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

type fakeCall struct {
	URL    string
	Method string
	Params []interface{}
}

// fakeCaller answers JSON-RPC calls from a handler and records every call.
type fakeCaller struct {
	mu     sync.Mutex
	calls  []fakeCall
	handle func(ep jsonrpc.Endpoint, method string, params []interface{}) (json.RawMessage, error)
}

func (f *fakeCaller) Call(ctx context.Context, ep jsonrpc.Endpoint, method string, params []interface{}, timeout time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{URL: ep.URL, Method: method, Params: params})
	f.mu.Unlock()
	return f.handle(ep, method, params)
}

func (f *fakeCaller) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// peerTables serves admin_peers from tables and acknowledges every refresh call.
func peerTables(tables map[string][]RawPeer) func(jsonrpc.Endpoint, string, []interface{}) (json.RawMessage, error) {
	return func(ep jsonrpc.Endpoint, method string, _ []interface{}) (json.RawMessage, error) {
		if method == methodAdminPeers {
			table := tables[ep.URL]
			if table == nil {
				table = []RawPeer{}
			}
			return mustJSON(map[string]interface{}{"jsonrpc": "2.0", "id": 1, "result": table}), nil
		}
		return json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":true}`), nil
	}
}

type testService struct {
	*Service
	mr   *miniredis.Miniredis
	clk  *clock.Mock
	hook *test.Hook
}

func newTestService(t *testing.T, caller Caller, bootnodes ...string) *testService {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := kv.NewRedis(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = cache.Close() })

	clk := clock.NewMock()
	clk.Set(testEpoch)
	logger, hook := test.NewNullLogger()

	eps := make([]jsonrpc.Endpoint, 0, len(bootnodes))
	origins := make(map[string]jsonrpc.Endpoint, len(bootnodes))
	for _, b := range bootnodes {
		ep := jsonrpc.Endpoint{URL: b}
		eps = append(eps, ep)
		origins[b] = ep
	}
	s := &Service{
		adminToken:     "secret",
		store:          NewStore(cache),
		fetcher:        NewFetcher(caller, eps, time.Second, logger),
		origins:        origins,
		thresholds:     Thresholds{Refresh: time.Hour, Delete: 24 * time.Hour},
		maxRefresh:     50,
		geoConcurrency: 4,
		interval:       5 * time.Minute,
		clock:          clk,
		log:            logger,
		metrics:        newMetrics(),
	}
	s.refresher = NewRefresher(caller, s.endpoint, 10, time.Second, 0, clk, logger)
	return &testService{Service: s, mr: mr, clk: clk, hook: hook}
}

func (ts *testService) seed(t *testing.T, dir proto.Directory, prov proto.Provenance) {
	t.Helper()
	if err := ts.store.Save(context.Background(), dir, prov); err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

func (ts *testService) load(t *testing.T) (proto.Directory, proto.Provenance) {
	t.Helper()
	dir, prov, err := ts.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	return dir, prov
}

func storedRecord(descriptor string, first, last time.Time) proto.PeerRecord {
	return proto.PeerRecord{
		Attributes: map[string]json.RawMessage{proto.AttrEnode: mustJSON(descriptor)},
		Contact: proto.PeerContact{
			First: proto.NewTimestamp(first),
			Last:  proto.NewTimestamp(last),
		},
	}
}
