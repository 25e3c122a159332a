// Package metrics keeps lightweight in-process counters for the settlement
// daemon and exposes them in Prometheus text exposition format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type transitionKey struct {
	operation string
	outcome   string
}

type ledgerKey struct {
	operation string
	outcome   string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	transitions map[transitionKey]uint64
	ledgerOps   map[ledgerKey]uint64
	latency     map[latencyKey]*histogram
}

var defaultCollector = &collector{
	requests:    make(map[requestKey]uint64),
	transitions: make(map[transitionKey]uint64),
	ledgerOps:   make(map[ledgerKey]uint64),
	latency:     make(map[latencyKey]*histogram),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observeHTTP(handler, method, status, duration)
}

// ObserveOrderTransition counts payment order transitions by operation and outcome.
func ObserveOrderTransition(operation string, err error) {
	defaultCollector.count(operation, err, func(c *collector, key string, outcome string) {
		c.transitions[transitionKey{operation: key, outcome: outcome}]++
	})
}

// ObserveLedgerOperation counts ledger mutations by operation and outcome.
func ObserveLedgerOperation(operation string, err error) {
	defaultCollector.count(operation, err, func(c *collector, key string, outcome string) {
		c.ledgerOps[ledgerKey{operation: key, outcome: outcome}]++
	})
}

func (c *collector) count(operation string, err error, record func(*collector, string, string)) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.mu.Lock()
	record(c, operation, outcome)
	c.mu.Unlock()
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	type reqMetric struct {
		requestKey
		value uint64
	}
	reqs := make([]reqMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, reqMetric{requestKey: key, value: value})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})

	builder.WriteString("# HELP agentlease_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE agentlease_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("agentlease_http_requests_total{handler=%q,method=%q,code=%q} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	type keyedMetric struct {
		operation string
		outcome   string
		value     uint64
	}
	writeCounter := func(name, help string, values []keyedMetric) {
		sort.Slice(values, func(i, j int) bool {
			if values[i].operation == values[j].operation {
				return values[i].outcome < values[j].outcome
			}
			return values[i].operation < values[j].operation
		})
		builder.WriteString(fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n", name, help, name))
		for _, metric := range values {
			builder.WriteString(fmt.Sprintf("%s{operation=%q,outcome=%q} %d\n",
				name, escape(metric.operation), escape(metric.outcome), metric.value))
		}
	}

	transitions := make([]keyedMetric, 0, len(c.transitions))
	for key, value := range c.transitions {
		transitions = append(transitions, keyedMetric{operation: key.operation, outcome: key.outcome, value: value})
	}
	writeCounter("agentlease_order_transitions_total",
		"Total number of payment order transition attempts.", transitions)

	ledgerOps := make([]keyedMetric, 0, len(c.ledgerOps))
	for key, value := range c.ledgerOps {
		ledgerOps = append(ledgerOps, keyedMetric{operation: key.operation, outcome: key.outcome, value: value})
	}
	writeCounter("agentlease_ledger_operations_total",
		"Total number of ledger mutations.", ledgerOps)

	type latMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	lats := make([]latMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})

	builder.WriteString("# HELP agentlease_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE agentlease_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("agentlease_http_request_duration_seconds_bucket{handler=%q,method=%q,le=%q} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("agentlease_http_request_duration_seconds_bucket{handler=%q,method=%q,le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("agentlease_http_request_duration_seconds_sum{handler=%q,method=%q} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("agentlease_http_request_duration_seconds_count{handler=%q,method=%q} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
