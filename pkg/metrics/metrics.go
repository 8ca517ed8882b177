package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	recordType     map[string]int64
	rejection      map[string]int64
	paymentOutcome map[string]int64
	gauges         map[string]float64
	anchorsTotal   int64
	verifyLatency  VerifyLatencyStat
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt          string                  `json:"generated_at"`
	Endpoints            map[string]EndpointStat `json:"endpoints"`
	Records              map[string]int64        `json:"records"`
	Rejections           map[string]int64        `json:"rejections"`
	PaymentOutcomes      map[string]int64        `json:"payment_outcomes"`
	Gauges               map[string]float64      `json:"gauges"`
	AnchorsTotal         int64                   `json:"anchors_total"`
	ChainVerifyLatencyMS VerifyLatencyStat       `json:"chain_verify_latency_ms"`
	Histograms           []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		recordType:     map[string]int64{},
		rejection:      map[string]int64{},
		paymentOutcome: map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncRecord counts an accepted chain record by type.
func (r *Registry) IncRecord(recordType string) {
	if recordType == "" {
		return
	}
	r.mu.Lock()
	r.recordType[recordType]++
	r.mu.Unlock()
}

// IncRejection counts a rejected submission by its stable code.
func (r *Registry) IncRejection(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = "UNKNOWN"
	}
	r.mu.Lock()
	r.rejection[code]++
	r.mu.Unlock()
}

// IncPaymentOutcome counts authorize/execute outcomes. Authorized payments
// are keyed "AUTHORIZED", denials by their reason code.
func (r *Registry) IncPaymentOutcome(authorized bool, reason string) {
	key := "AUTHORIZED"
	if !authorized {
		key = strings.TrimSpace(reason)
		if key == "" {
			key = "UNKNOWN"
		}
	}
	r.mu.Lock()
	r.paymentOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) IncAnchors() {
	r.mu.Lock()
	r.anchorsTotal++
	r.mu.Unlock()
}

func (r *Registry) ObserveVerifyLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyLatency.Count++
	r.verifyLatency.TotalMS += ms
	r.verifyLatency.LastMS = ms
	if ms > r.verifyLatency.MaxMS {
		r.verifyLatency.MaxMS = ms
	}
	r.verifyLatency.AvgMS = float64(r.verifyLatency.TotalMS) / float64(r.verifyLatency.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		Records:         make(map[string]int64, len(r.recordType)),
		Rejections:      make(map[string]int64, len(r.rejection)),
		PaymentOutcomes: make(map[string]int64, len(r.paymentOutcome)),
		Gauges:          make(map[string]float64, len(r.gauges)),
		AnchorsTotal:    r.anchorsTotal,
		ChainVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.verifyLatency.Count,
			TotalMS: r.verifyLatency.TotalMS,
			MaxMS:   r.verifyLatency.MaxMS,
			LastMS:  r.verifyLatency.LastMS,
			AvgMS:   r.verifyLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.recordType {
		out.Records[k] = v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.paymentOutcome {
		out.PaymentOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP fides_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE fides_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fides_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP fides_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE fides_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fides_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP fides_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE fides_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fides_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP fides_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE fides_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "fides_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP fides_record_total accepted chain records by type\n")
		b.WriteString("# TYPE fides_record_total counter\n")
		for _, rt := range SortedKeys(snap.Records) {
			fmt.Fprintf(b, "fides_record_total{type=%q} %d\n", rt, snap.Records[rt])
		}
		b.WriteString("# HELP fides_rejection_total rejected submissions by code\n")
		b.WriteString("# TYPE fides_rejection_total counter\n")
		for _, code := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "fides_rejection_total{code=%q} %d\n", code, snap.Rejections[code])
		}
		b.WriteString("# HELP fides_payment_outcome_total payment decisions by outcome\n")
		b.WriteString("# TYPE fides_payment_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.PaymentOutcomes) {
			fmt.Fprintf(b, "fides_payment_outcome_total{outcome=%q} %d\n", outcome, snap.PaymentOutcomes[outcome])
		}
		b.WriteString("# HELP fides_gauge operational gauge metrics\n")
		b.WriteString("# TYPE fides_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "fides_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP fides_anchor_total anchors published\n")
		b.WriteString("# TYPE fides_anchor_total counter\n")
		fmt.Fprintf(b, "fides_anchor_total %d\n", snap.AnchorsTotal)

		b.WriteString("# HELP fides_chain_verify_latency_ms chain verification latency in ms\n")
		b.WriteString("# TYPE fides_chain_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "fides_chain_verify_latency_ms{stat=%q} %d\n", "last", snap.ChainVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "fides_chain_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.ChainVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "fides_chain_verify_latency_ms{stat=%q} %d\n", "max", snap.ChainVerifyLatencyMS.MaxMS)

		for _, h := range snap.Histograms {
			b.WriteString("# HELP fides_latency_seconds latency histogram\n")
			b.WriteString("# TYPE fides_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "fides_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "fides_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fides_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "fides_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "fides_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "fides_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "fides_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
