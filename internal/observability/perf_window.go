package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StageEngineConnect = "engine_connect"
	StageInject        = "inject"

	functionStagePrefix = "function_"
)

// stageTargets are the p95 budgets a voice turn can afford per stage.
var stageTargets = map[string]float64{
	StageEngineConnect: 1500,
	StageInject:        250,
}

const functionTargetMS = 2000

func targetFor(stage string) float64 {
	if t, ok := stageTargets[stage]; ok {
		return t
	}
	if strings.HasPrefix(stage, functionStagePrefix) {
		return functionTargetMS
	}
	return 0
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target"`
	Breached    bool    `json:"breached"`
}

// PerfSnapshot is served on /v1/voice/perf.
type PerfSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Stages      []StageStats   `json:"stages"`
	Closed      map[string]int `json:"closed_by_cause"`
	BargeIns    int            `json:"barge_ins"`
	Spoken      int            `json:"notifications_spoken"`
}

// PerfWindow keeps the most recent samples per stage plus session outcome
// counts since start.
type PerfWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[string][]float64
	closed   map[string]int
	bargeIns int
	spoken   int
}

func NewPerfWindow(size int) *PerfWindow {
	if size <= 0 {
		size = 256
	}
	return &PerfWindow{
		size:    size,
		samples: make(map[string][]float64),
		closed:  make(map[string]int),
	}
}

func (w *PerfWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := append(w.samples[stage], ms)
	if len(buf) > w.size {
		buf = buf[len(buf)-w.size:]
	}
	w.samples[stage] = buf
}

func (w *PerfWindow) SessionClosed(cause string) {
	if w == nil {
		return
	}
	if cause == "" {
		cause = "none"
	}
	w.mu.Lock()
	w.closed[cause]++
	w.mu.Unlock()
}

func (w *PerfWindow) BargeIn() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.bargeIns++
	w.mu.Unlock()
}

func (w *PerfWindow) NotificationSpoken() {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.spoken++
	w.mu.Unlock()
}

func (w *PerfWindow) Snapshot() PerfSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	stages := make([]StageStats, 0, len(w.samples))
	for stage, buf := range w.samples {
		if len(buf) == 0 {
			continue
		}
		sorted := append([]float64(nil), buf...)
		sort.Float64s(sorted)
		target := targetFor(stage)

		var sum float64
		over := 0
		for _, v := range sorted {
			sum += v
			if target > 0 && v > target {
				over++
			}
		}
		p95 := nearestRank(sorted, 95)
		stages = append(stages, StageStats{
			Stage:       stage,
			Samples:     len(sorted),
			AvgMS:       round2(sum / float64(len(sorted))),
			P50MS:       round2(nearestRank(sorted, 50)),
			P95MS:       round2(p95),
			TargetP95MS: target,
			OverTarget:  over,
			Breached:    target > 0 && p95 > target,
		})
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Stage < stages[j].Stage })

	closed := make(map[string]int, len(w.closed))
	for cause, n := range w.closed {
		closed[cause] = n
	}
	return PerfSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Closed:      closed,
		BargeIns:    w.bargeIns,
		Spoken:      w.spoken,
	}
}

// nearestRank returns the p-th percentile of sorted, p in (0,100].
func nearestRank(sorted []float64, p int) float64 {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
