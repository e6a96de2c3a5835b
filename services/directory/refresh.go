package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"peerdir/pkg/jsonrpc"
)

const (
	methodRemovePeer = "admin_removePeer"
	methodAddPeer    = "admin_addPeer"
)

var (
	errRejected      = errors.New("node rejected the request")
	errNoResult      = errors.New("response carries no result")
	errUnknownOrigin = errors.New("origin bootnode is not configured")
)

type RefreshOutcome struct {
	Identity string
	OK       bool
	// Step is the method that failed, empty on success.
	Step string
	Err  error
}

type RefreshReport struct {
	Submitted int
	Succeeded int
	Failed    int
	Batches   []int
	Outcomes  []RefreshOutcome
}

// EndpointLookup returns the configured endpoint for a bootnode URL.
type EndpointLookup func(bootnode string) (jsonrpc.Endpoint, bool)

type Refresher struct {
	caller      Caller
	endpoints   EndpointLookup
	batchSize   int
	callTimeout time.Duration
	settle      time.Duration
	clock       clock.Clock
	log         logrus.FieldLogger
}

func NewRefresher(caller Caller, endpoints EndpointLookup, batchSize int, callTimeout, settle time.Duration, clk clock.Clock, log logrus.FieldLogger) *Refresher {
	if batchSize <= 0 {
		batchSize = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Refresher{
		caller:      caller,
		endpoints:   endpoints,
		batchSize:   batchSize,
		callTimeout: callTimeout,
		settle:      settle,
		clock:       clk,
		log:         log,
	}
}

// Run refreshes jobs in batches of batchSize. Batches run one after another;
// jobs inside a batch run concurrently. Outcomes are in job order.
func (r *Refresher) Run(ctx context.Context, jobs []RefreshJob) RefreshReport {
	report := RefreshReport{
		Submitted: len(jobs),
		Outcomes:  make([]RefreshOutcome, len(jobs)),
	}
	for start := 0; start < len(jobs); start += r.batchSize {
		end := min(start+r.batchSize, len(jobs))
		batch := len(report.Batches) + 1
		report.Batches = append(report.Batches, end-start)

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				report.Outcomes[i] = r.refreshOne(ctx, jobs[i])
				return nil
			})
		}
		_ = g.Wait()

		ok := 0
		for _, o := range report.Outcomes[start:end] {
			if o.OK {
				ok++
			}
		}
		r.log.WithFields(logrus.Fields{
			"batch":     batch,
			"size":      end - start,
			"succeeded": ok,
		}).Debug("refresh batch done")
	}
	for _, o := range report.Outcomes {
		if o.OK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	return report
}

func (r *Refresher) refreshOne(ctx context.Context, job RefreshJob) RefreshOutcome {
	out := RefreshOutcome{Identity: job.Identity}
	log := r.log.WithFields(logrus.Fields{"peer": shortID(job.Identity), "bootnode": job.Origin})

	ep, ok := r.endpoints(job.Origin)
	if !ok {
		out.Err = errUnknownOrigin
		log.WithError(out.Err).Warn("refresh skipped")
		return out
	}
	if err := r.step(ctx, ep, methodRemovePeer, job.Descriptor); err != nil {
		out.Step, out.Err = methodRemovePeer, err
		log.WithError(err).Warn("refresh remove failed")
		return out
	}
	if r.settle > 0 {
		select {
		case <-r.clock.After(r.settle):
		case <-ctx.Done():
			out.Step, out.Err = methodAddPeer, ctx.Err()
			log.WithError(out.Err).Warn("refresh interrupted")
			return out
		}
	}
	if err := r.step(ctx, ep, methodAddPeer, job.Descriptor); err != nil {
		out.Step, out.Err = methodAddPeer, err
		log.WithError(err).Warn("refresh add failed")
		return out
	}
	out.OK = true
	log.Debug("peer refreshed")
	return out
}

func (r *Refresher) step(ctx context.Context, ep jsonrpc.Endpoint, method, descriptor string) error {
	body, err := r.caller.Call(ctx, ep, method, []interface{}{descriptor}, r.callTimeout)
	if err != nil {
		return err
	}
	return checkAck(body)
}

// checkAck accepts only a JSON-RPC response whose result is true.
func checkAck(body []byte) error {
	var env struct {
		Result json.RawMessage   `json:"result"`
		Error  *jsonrpc.RPCError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	result := bytes.TrimSpace(env.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return errNoResult
	}
	var ack bool
	if err := json.Unmarshal(result, &ack); err != nil {
		return fmt.Errorf("unexpected result %s: %w", result, err)
	}
	if !ack {
		return errRejected
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:16]
}
