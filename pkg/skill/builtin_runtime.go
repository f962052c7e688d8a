package skill

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
)

// RuntimeSkill exposes the Go runtime of the host process: heap, GC,
// goroutine counts. It is one of the two built-in example collaborators.
type RuntimeSkill struct{}

// NewRuntimeSkill creates the built-in runtime skill.
func NewRuntimeSkill() *RuntimeSkill {
	return &RuntimeSkill{}
}

func (s *RuntimeSkill) ID() string    { return "runtime" }
func (s *RuntimeSkill) Title() string { return "Go Runtime Metrics" }

func (s *RuntimeSkill) Description() string {
	return "Memory, garbage collection, and goroutine metrics of the host process."
}

func (s *RuntimeSkill) SystemPrompt() string {
	return `You are investigating the Go runtime of a managed application.
You observe heap usage, GC activity, and goroutine counts. Look for memory
growth, GC pressure (rising pause totals or collection frequency), and
goroutine leaks. Only report anomalies supported by the metrics you read.`
}

func (s *RuntimeSkill) Snapshot() map[string]float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]float64{
		"heap_alloc_bytes":   float64(ms.HeapAlloc),
		"heap_objects":       float64(ms.HeapObjects),
		"heap_sys_bytes":     float64(ms.HeapSys),
		"gc_count":           float64(ms.NumGC),
		"gc_pause_total_ns":  float64(ms.PauseTotalNs),
		"goroutines":         float64(runtime.NumGoroutine()),
		"next_gc_bytes":      float64(ms.NextGC),
		"stack_inuse_bytes":  float64(ms.StackInuse),
		"mallocs_cumulative": float64(ms.Mallocs),
		"frees_cumulative":   float64(ms.Frees),
	}
}

func (s *RuntimeSkill) Callbacks() []Callback {
	return []Callback{
		{
			Name: "get_memory",
			Doc:  "Detailed memory statistics (heap, stack, GC metadata). No arguments.",
			Fn: func(_ context.Context, _ map[string]any) (any, error) {
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				return map[string]any{
					"heap_alloc":     ms.HeapAlloc,
					"heap_inuse":     ms.HeapInuse,
					"heap_idle":      ms.HeapIdle,
					"heap_released":  ms.HeapReleased,
					"stack_inuse":    ms.StackInuse,
					"gc_sys":         ms.GCSys,
					"other_sys":      ms.OtherSys,
					"total_alloc":    ms.TotalAlloc,
					"num_gc":         ms.NumGC,
					"num_forced_gc":  ms.NumForcedGC,
					"gc_cpu_percent": ms.GCCPUFraction * 100,
				}, nil
			},
		},
		{
			Name: "get_gc_stats",
			Doc:  "Recent GC pause history and totals. No arguments.",
			Fn: func(_ context.Context, _ map[string]any) (any, error) {
				var stats debug.GCStats
				debug.ReadGCStats(&stats)
				pauses := stats.Pause
				if len(pauses) > 10 {
					pauses = pauses[:10]
				}
				recent := make([]int64, len(pauses))
				for i, p := range pauses {
					recent[i] = p.Nanoseconds()
				}
				return map[string]any{
					"num_gc":           stats.NumGC,
					"pause_total_ns":   stats.PauseTotal.Nanoseconds(),
					"recent_pauses_ns": recent,
				}, nil
			},
		},
		{
			Name: "get_build_info",
			Doc:  "Go version and module build settings of the process. No arguments.",
			Fn: func(_ context.Context, _ map[string]any) (any, error) {
				info, ok := debug.ReadBuildInfo()
				if !ok {
					return map[string]any{"go_version": runtime.Version()}, nil
				}
				settings := make(map[string]string, len(info.Settings))
				for _, kv := range info.Settings {
					settings[kv.Key] = kv.Value
				}
				keys := make([]string, 0, len(settings))
				for k := range settings {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				return map[string]any{
					"go_version": info.GoVersion,
					"path":       info.Path,
					"settings":   settings,
				}, nil
			},
		},
	}
}
