// ============================================================================
// smart-tier Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露控制平面運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 規則 (Rule)：
//      - smart_tier_rule_cycles_total{result}: 評估週期數 (ok|error|dryrun)
//      - smart_tier_rule_cycle_duration_seconds: 單次週期耗時
//
//   2. 命令 (Command)：
//      - smart_tier_commands_generated_total: 規則匹配產生的命令數
//      - smart_tier_commands_enqueued_total: 實際寫入佇列的命令數
//      - smart_tier_commands_finished_total{state}: 終態命令數 (DONE|FAILED)
//      - smart_tier_command_duration_seconds: Action 執行耗時
//      - smart_tier_commands_pending / smart_tier_commands_running: 佇列狀態
//
//   3. 搬移 (Mover)：
//      - smart_tier_mover_tasks_total{result}: 結束的搬移任務 (succeeded|failed|stopped)
//      - smart_tier_mover_tasks_running: 執行中的搬移任務
//
//   4. 其他：
//      - smart_tier_access_tables: 已登記的 access count 表數量
//      - smart_tier_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 規則週期錯誤率
//   rate(smart_tier_rule_cycles_total{result="error"}[5m])
//
//   # 命令積壓
//   smart_tier_commands_pending + smart_tier_commands_running
//
// 註冊:
//   每個 Collector 註冊到自己的 Registry（或呼叫者注入的 Registry），
//   同一程序內可建立多個 Collector，測試之間互不干擾。
//   所有 Record 方法對 nil *Collector 都是 no-op。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smart_tier"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 規則相關指標
	ruleCycles    *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	// 命令相關指標
	cmdsGenerated   prometheus.Counter
	cmdsEnqueued    prometheus.Counter
	cmdsFinished    *prometheus.CounterVec
	commandDuration prometheus.Histogram
	cmdsPending     prometheus.Gauge
	cmdsRunning     prometheus.Gauge

	// 搬移相關指標
	moverTasks   *prometheus.CounterVec
	moverRunning prometheus.Gauge

	accessTables prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器
// reg 為 nil 時使用新的獨立 Registry
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		ruleCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_cycles_total",
			Help:      "Total number of rule evaluation cycles by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_cycle_duration_seconds",
			Help:      "Rule evaluation cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		cmdsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_generated_total",
			Help:      "Total number of commands generated by rule matches",
		}),
		cmdsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_enqueued_total",
			Help:      "Total number of commands persisted as PENDING",
		}),
		cmdsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_finished_total",
			Help:      "Total number of commands reaching a terminal state",
		}, []string{"state"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Action execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		cmdsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_pending",
			Help:      "Current number of pending commands",
		}),
		cmdsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "commands_running",
			Help:      "Current number of running commands",
		}),
		moverTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mover_tasks_total",
			Help:      "Total number of mover tasks by result",
		}, []string{"result"}),
		moverRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mover_tasks_running",
			Help:      "Current number of running mover tasks",
		}),
		accessTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "access_tables",
			Help:      "Number of registered access count tables",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by startup recovery in seconds",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.ruleCycles,
		c.cycleDuration,
		c.cmdsGenerated,
		c.cmdsEnqueued,
		c.cmdsFinished,
		c.commandDuration,
		c.cmdsPending,
		c.cmdsRunning,
		c.moverTasks,
		c.moverRunning,
		c.accessTables,
		c.recoveryTime,
	)
	return c
}

// Registry 返回指標所在的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRuleCycle 記錄一次規則評估週期
func (c *Collector) RecordRuleCycle(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.ruleCycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

// RecordGenerated 記錄規則產生的命令數
func (c *Collector) RecordGenerated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cmdsGenerated.Add(float64(n))
}

// RecordEnqueue 記錄寫入佇列的命令數
func (c *Collector) RecordEnqueue(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cmdsEnqueued.Add(float64(n))
}

// RecordCommandFinished 記錄命令進入終態
func (c *Collector) RecordCommandFinished(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.cmdsFinished.WithLabelValues(state).Inc()
	c.commandDuration.Observe(d.Seconds())
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(pending, running int) {
	if c == nil {
		return
	}
	c.cmdsPending.Set(float64(pending))
	c.cmdsRunning.Set(float64(running))
}

// MoverStarted 記錄搬移任務開始
func (c *Collector) MoverStarted() {
	if c == nil {
		return
	}
	c.moverRunning.Inc()
}

// MoverFinished 記錄搬移任務結束
func (c *Collector) MoverFinished(result string) {
	if c == nil {
		return
	}
	c.moverRunning.Dec()
	c.moverTasks.WithLabelValues(result).Inc()
}

// SetAccessTables 設置 access count 表數量
func (c *Collector) SetAccessTables(n int) {
	if c == nil {
		return
	}
	c.accessTables.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器，由呼叫者負責 ListenAndServe/Shutdown
func NewServer(addr string, c *Collector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
