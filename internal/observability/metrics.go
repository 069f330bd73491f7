package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/austenmoss/testforge/internal/domain"
	"github.com/austenmoss/testforge/internal/pkg/logger"
)

// Metrics holds the process-local Prometheus-style counters this service
// exposes, backed by the small exposition primitives at the bottom of this
// file.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	apiReqTotal *Counter
	apiReqError *Counter
	apiReqGood  *Counter

	llmRequests *CounterVec
	llmLatency  *HistogramVec
	llmTokens   *CounterVec
	llmCost     *CounterVec

	stageDuration *HistogramVec

	cacheResult   *CounterVec
	safetyBlocked *CounterVec

	queueDepth *GaugeVec
	pgStats    *GaugeVec
	redisUp    *Gauge
	redisPing  *Gauge

	sloLatencyThreshold float64
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

var (
	llmTelemetryOnce      sync.Once
	llmTelemetryOn        bool
	llmCostInputPer1KUSD  float64
	llmCostOutputPer1KUSD float64
)

func llmTelemetryEnabled() bool {
	llmTelemetryOnce.Do(loadLLMTelemetryConfig)
	return llmTelemetryOn
}

func llmCostRates() (float64, float64) {
	llmTelemetryOnce.Do(loadLLMTelemetryConfig)
	return llmCostInputPer1KUSD, llmCostOutputPer1KUSD
}

func loadLLMTelemetryConfig() {
	llmTelemetryOn = parseBoolEnv("LLM_TELEMETRY_ENABLED", false)
	llmCostInputPer1KUSD = parseFloatEnv("LLM_COST_INPUT_PER_1K", 0)
	llmCostOutputPer1KUSD = parseFloatEnv("LLM_COST_OUTPUT_PER_1K", 0)
}

func parseBoolEnv(key string, fallback bool) bool {
	val := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if val == "" {
		return fallback
	}
	switch val {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseFloatEnv(key string, fallback float64) float64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		latencyThreshold := 0.5
		if v := strings.TrimSpace(os.Getenv("SLO_API_LATENCY_THRESHOLD_SECONDS")); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				latencyThreshold = f
			}
		}
		instance = &Metrics{
			apiRequests: NewCounterVec("testforge_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"testforge_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight: NewGauge("testforge_api_inflight_requests", "In-flight API requests."),
			apiReqTotal: NewCounter("testforge_api_requests_total_all", "Total API requests (all)."),
			apiReqError: NewCounter("testforge_api_requests_error_total", "Total API requests with 5xx status."),
			apiReqGood:  NewCounter("testforge_api_requests_good_latency_total", "Total API requests under SLO latency threshold."),

			llmRequests: NewCounterVec("testforge_llm_requests_total", "LLM requests by model/status.", []string{"model", "status"}),
			llmLatency: NewHistogramVec(
				"testforge_llm_request_duration_seconds",
				"LLM request latency in seconds by model/status.",
				[]string{"model", "status"},
				[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			),
			llmTokens: NewCounterVec("testforge_llm_tokens_total", "LLM tokens by model/direction.", []string{"model", "direction"}),
			llmCost:   NewCounterVec("testforge_llm_cost_usd_total", "Estimated LLM cost (USD) by model/direction.", []string{"model", "direction"}),

			stageDuration: NewHistogramVec(
				"testforge_stage_duration_ms",
				"Orchestrator stage duration in milliseconds by stage/status.",
				[]string{"stage", "status"},
				[]float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
			),

			cacheResult:   NewCounterVec("testforge_cache_hit_total", "LLM cache lookups by result.", []string{"result"}),
			safetyBlocked: NewCounterVec("testforge_safety_blocked_total", "Test cases blocked by the safety guard by risk level.", []string{"risk_level"}),

			queueDepth: NewGaugeVec("testforge_request_queue_depth", "Requests by status.", []string{"status"}),
			pgStats:    NewGaugeVec("testforge_postgres_stats", "Postgres connection pool stats.", []string{"stat"}),
			redisUp:    NewGauge("testforge_redis_up", "1 if the last Redis ping succeeded."),
			redisPing:  NewGauge("testforge_redis_ping_seconds", "Redis ping round-trip time in seconds."),

			sloLatencyThreshold: latencyThreshold,
		}
	})
	return instance
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []func(io.Writer) error{
		m.apiRequests.WritePrometheus,
		m.apiLatency.WritePrometheus,
		m.apiInflight.WritePrometheus,
		m.apiReqTotal.WritePrometheus,
		m.apiReqError.WritePrometheus,
		m.apiReqGood.WritePrometheus,
		m.llmRequests.WritePrometheus,
		m.llmLatency.WritePrometheus,
		m.llmTokens.WritePrometheus,
		m.llmCost.WritePrometheus,
		m.stageDuration.WritePrometheus,
		m.cacheResult.WritePrometheus,
		m.safetyBlocked.WritePrometheus,
		m.queueDepth.WritePrometheus,
		m.pgStats.WritePrometheus,
		m.redisUp.WritePrometheus,
		m.redisPing.WritePrometheus,
	}
	for _, fn := range writers {
		if err := fn(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
	m.apiReqTotal.Inc()
	if isServerErrorStatus(status) {
		m.apiReqError.Inc()
	}
	if m.sloLatencyThreshold > 0 && dur.Seconds() <= m.sloLatencyThreshold {
		m.apiReqGood.Inc()
	}
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveLLMRequest records a completed LLM call. Token/cost accounting is
// gated behind LLM_TELEMETRY_ENABLED since cost rates are deployment-specific.
func (m *Metrics) ObserveLLMRequest(model, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil || !llmTelemetryEnabled() {
		return
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "0"
	}
	m.llmRequests.Inc(model, status)
	if dur > 0 {
		m.llmLatency.Observe(dur.Seconds(), model, status)
	}
	totalTokens := inputTokens + outputTokens
	if inputTokens > 0 {
		m.llmTokens.Add(float64(inputTokens), model, "input")
	}
	if outputTokens > 0 {
		m.llmTokens.Add(float64(outputTokens), model, "output")
	}
	if totalTokens > 0 {
		m.llmTokens.Add(float64(totalTokens), model, "total")
	}
	inputRate, outputRate := llmCostRates()
	if inputTokens > 0 && inputRate > 0 {
		m.llmCost.Add((float64(inputTokens)/1000.0)*inputRate, model, "input")
	}
	if outputTokens > 0 && outputRate > 0 {
		m.llmCost.Add((float64(outputTokens)/1000.0)*outputRate, model, "output")
	}
}

// ObserveStage records one orchestrator stage attempt's wall-clock duration.
func (m *Metrics) ObserveStage(stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	m.stageDuration.Observe(float64(dur.Milliseconds()), stage, status)
}

func (m *Metrics) IncCacheHit() {
	if m == nil {
		return
	}
	m.cacheResult.Inc("hit")
}

func (m *Metrics) IncCacheMiss() {
	if m == nil {
		return
	}
	m.cacheResult.Inc("miss")
}

// IncSafetyBlocked records a test case that the safety guard refused to
// let through generation at the given risk level.
func (m *Metrics) IncSafetyBlocked(riskLevel string) {
	if m == nil {
		return
	}
	if riskLevel == "" {
		riskLevel = "unknown"
	}
	m.safetyBlocked.Inc(riskLevel)
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
				m.pgStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
				m.pgStats.Set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
				m.pgStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{
		string(types.RequestPending),
		string(types.RequestReconnaissance),
		string(types.RequestGeneration),
		string(types.RequestValidation),
		string(types.RequestOptimization),
		string(types.RequestCompleted),
		string(types.RequestFailed),
		string(types.RequestCancelled),
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.Request{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: request queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}

func isServerErrorStatus(status string) bool {
	status = strings.TrimSpace(status)
	if len(status) < 3 {
		return false
	}
	return status[0] == '5'
}
