package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"peerdir/pkg/jsonrpc"
)

type mockRoundTripper struct {
	handlers map[string]func(*http.Request) (*http.Response, error)
}

func (m mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if h, ok := m.handlers[req.URL.String()]; ok {
		return h(req)
	}
	return &http.Response{
		StatusCode: http.StatusNotFound,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("not found")),
	}, nil
}

func rawResp(status int, body string) func(*http.Request) (*http.Response, error) {
	return func(_ *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		}, nil
	}
}

func TestTableShape(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		peers   int
		failure FailureKind
	}{
		{"bare array", `[{"enode":"a"},{"enode":"b"}]`, 2, ""},
		{"envelope", `{"jsonrpc":"2.0","id":1,"result":[{"enode":"a"}]}`, 1, ""},
		{"empty envelope", `{"jsonrpc":"2.0","id":1,"result":[]}`, 0, ""},
		{"null entries dropped", `[{"enode":"a"},null]`, 1, ""},
		{"rpc error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`, 0, FailureRemote},
		{"result not array", `{"jsonrpc":"2.0","id":1,"result":{"enode":"a"}}`, 0, FailureMalformed},
		{"missing result", `{"jsonrpc":"2.0","id":1}`, 0, FailureMalformed},
		{"html", `<html>bad gateway</html>`, 0, FailureMalformed},
		{"empty", ``, 0, FailureMalformed},
		{"non object entries", `[1,2]`, 0, FailureMalformed},
	}
	for _, c := range cases {
		peers, failure, err := tableShape([]byte(c.body))
		if failure != c.failure {
			t.Fatalf("%s: expected failure %q, got %q (%v)", c.name, c.failure, failure, err)
		}
		if (failure == "") != (err == nil) {
			t.Fatalf("%s: failure %q inconsistent with err %v", c.name, failure, err)
		}
		if len(peers) != c.peers {
			t.Fatalf("%s: expected %d peers, got %d", c.name, c.peers, len(peers))
		}
	}
}

func TestFetchAllOverHTTPIsolatesFailures(t *testing.T) {
	_, descriptor := testEnode(t, "1.2.3.4")
	table, _ := json.Marshal([]RawPeer{rawPeer(descriptor, nil)})
	handlers := map[string]func(*http.Request) (*http.Response, error){
		bootA:                 rawResp(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":`+string(table)+`}`),
		bootB:                 rawResp(http.StatusUnauthorized, "unauthorized"),
		"http://boot-c.local": rawResp(http.StatusOK, string(table)),
	}
	client := jsonrpc.NewClient(&http.Client{Transport: mockRoundTripper{handlers: handlers}}, nil)
	logger, _ := test.NewNullLogger()
	f := NewFetcher(client, []jsonrpc.Endpoint{{URL: bootA}, {URL: bootB}, {URL: "http://boot-c.local"}}, time.Second, logger)

	results := f.FetchAll(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Bootnode != bootA || !results[0].OK() || len(results[0].Peers) != 1 {
		t.Fatalf("unexpected enveloped result: %+v", results[0])
	}
	if results[1].Failure != FailureTransport {
		t.Fatalf("expected transport failure for 401, got %+v", results[1])
	}
	var statusErr *jsonrpc.StatusError
	if !errors.As(results[1].Err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status error, got %v", results[1].Err)
	}
	if !results[2].OK() || len(results[2].Peers) != 1 {
		t.Fatalf("unexpected bare-array result: %+v", results[2])
	}
}

func TestFetchAllRunsConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	caller := &fakeCaller{handle: func(ep jsonrpc.Endpoint, method string, _ []interface{}) (json.RawMessage, error) {
		started <- ep.URL
		<-release
		return json.RawMessage(`[]`), nil
	}}
	logger, _ := test.NewNullLogger()
	f := NewFetcher(caller, []jsonrpc.Endpoint{{URL: bootA}, {URL: bootB}}, time.Second, logger)

	done := make(chan []FetchResult, 1)
	go func() { done <- f.FetchAll(context.Background()) }()
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("bootnode %d was not queried while the other was in flight", i)
		}
	}
	close(release)
	results := <-done
	if results[0].Bootnode != bootA || results[1].Bootnode != bootB {
		t.Fatalf("results not in configuration order: %+v", results)
	}
}

// Scenario D: one bootnode times out, the other still merges, and only the
// timed-out endpoint is logged as failed.
func TestFetchTimeoutIsLoggedForThatBootnodeOnly(t *testing.T) {
	_, d1 := testEnode(t, "1.2.3.4")
	_, d2 := testEnode(t, "5.6.7.8")
	caller := &fakeCaller{handle: func(ep jsonrpc.Endpoint, method string, _ []interface{}) (json.RawMessage, error) {
		if ep.URL == bootB {
			return nil, context.DeadlineExceeded
		}
		return mustJSON([]RawPeer{rawPeer(d1, nil), rawPeer(d2, nil)}), nil
	}}
	logger, hook := test.NewNullLogger()
	f := NewFetcher(caller, []jsonrpc.Endpoint{{URL: bootA}, {URL: bootB}}, time.Second, logger)

	results := f.FetchAll(context.Background())
	if !results[0].OK() || len(results[0].Peers) != 2 {
		t.Fatalf("expected bootnode A to succeed with 2 peers: %+v", results[0])
	}
	if results[1].Failure != FailureTimeout {
		t.Fatalf("expected timeout for bootnode B, got %+v", results[1])
	}

	var warnings []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			warnings = append(warnings, e)
		}
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one failure log, got %d", len(warnings))
	}
	if warnings[0].Data["bootnode"] != bootB {
		t.Fatalf("failure logged for wrong bootnode: %v", warnings[0].Data["bootnode"])
	}

	dir, _, stats := Merge(nil, nil, results, testEpoch)
	if len(dir) != 2 || stats.Merged != 2 {
		t.Fatalf("expected 2 merged peers, got dir=%d stats=%+v", len(dir), stats)
	}
}
