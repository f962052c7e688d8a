package skill

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TableStats describes one registered in-process table or cache.
type TableStats struct {
	Name        string `json:"name"`
	Rows        int64  `json:"rows"`
	MemoryBytes int64  `json:"memory_bytes"`
}

// TableStatsFunc returns current stats for all registered tables.
type TableStatsFunc func() []TableStats

// TablesSkill exposes row counts and memory of application-registered
// tables and caches. The application registers providers at startup; the
// skill never touches the tables itself.
type TablesSkill struct {
	mu        sync.RWMutex
	providers map[string]TableStatsFunc
}

// NewTablesSkill creates the built-in tables skill with no providers.
func NewTablesSkill() *TablesSkill {
	return &TablesSkill{providers: make(map[string]TableStatsFunc)}
}

// RegisterProvider adds a stats provider under the given name. Called during
// application startup, before the supervisor starts.
func (s *TablesSkill) RegisterProvider(name string, fn TableStatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[name] = fn
}

func (s *TablesSkill) ID() string    { return "tables" }
func (s *TablesSkill) Title() string { return "Table and Cache Metrics" }

func (s *TablesSkill) Description() string {
	return "Row counts and memory footprint of registered in-process tables and caches."
}

func (s *TablesSkill) SystemPrompt() string {
	return `You are investigating in-process tables and caches of a managed
application. You observe per-table row counts and memory usage. Look for
unbounded growth, sudden drops, and tables whose memory footprint is out of
proportion to their row count. Only report anomalies the data supports.`
}

func (s *TablesSkill) collect() []TableStats {
	s.mu.RLock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	fns := make(map[string]TableStatsFunc, len(s.providers))
	for name, fn := range s.providers {
		fns[name] = fn
	}
	s.mu.RUnlock()

	sort.Strings(names)
	var all []TableStats
	for _, name := range names {
		all = append(all, fns[name]()...)
	}
	return all
}

func (s *TablesSkill) Snapshot() map[string]float64 {
	stats := s.collect()
	snap := map[string]float64{
		"table_count": float64(len(stats)),
	}
	var totalRows, totalMem int64
	for _, t := range stats {
		totalRows += t.Rows
		totalMem += t.MemoryBytes
		snap["rows."+t.Name] = float64(t.Rows)
	}
	snap["total_rows"] = float64(totalRows)
	snap["total_memory_bytes"] = float64(totalMem)
	return snap
}

func (s *TablesSkill) Callbacks() []Callback {
	return []Callback{
		{
			Name: "list_tables",
			Doc:  "All registered tables with row counts and memory usage. No arguments.",
			Fn: func(_ context.Context, _ map[string]any) (any, error) {
				return s.collect(), nil
			},
		},
		{
			Name: "get_table",
			Doc:  `Stats for a single table. Arguments: {"name": "<table name>"}.`,
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, fmt.Errorf("missing required argument: name")
				}
				for _, t := range s.collect() {
					if t.Name == name {
						return t, nil
					}
				}
				return nil, fmt.Errorf("table %q not registered", name)
			},
		},
		{
			Name: "top_tables",
			Doc:  `Largest tables by memory. Arguments: {"limit": <n, default 5>}.`,
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				limit := 5
				if v, ok := args["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}
				stats := s.collect()
				sort.Slice(stats, func(i, j int) bool {
					return stats[i].MemoryBytes > stats[j].MemoryBytes
				})
				if len(stats) > limit {
					stats = stats[:limit]
				}
				return stats, nil
			},
		},
	}
}
