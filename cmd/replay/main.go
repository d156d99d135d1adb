package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/audit"
	"github.com/Rajchodisetti/cycle-coordinator/internal/config"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/store"
)

// replay prints the recorded timeline of a cycle, either from the audit
// JSONL file or from the postgres store named by the config
func main() {
	log.SetFlags(0)
	var path, cycleID, cfgPath string
	var fromStore, asJSON bool
	flag.StringVar(&path, "path", "data/audit.jsonl", "audit JSONL file")
	flag.StringVar(&cycleID, "cycle", "", "cycle id (empty = every cycle)")
	flag.StringVar(&cfgPath, "config", "config/coordinator.yaml", "config path, used with -store")
	flag.BoolVar(&fromStore, "store", false, "read events and stage results from the configured store")
	flag.BoolVar(&asJSON, "json", false, "print raw events as JSON lines")
	flag.Parse()

	var events []model.Event
	var results []model.StageResult
	var err error
	if fromStore {
		events, results, err = readStore(cfgPath, cycleID)
	} else {
		events, err = audit.ReadEvents(path, cycleID)
	}
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	if len(events) == 0 {
		log.Fatalf("no events recorded for cycle %q", cycleID)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].At.Before(events[j].At) })
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range events {
			_ = enc.Encode(e)
		}
		return
	}

	var current string
	for _, e := range events {
		if e.CycleID != current {
			current = e.CycleID
			name := current
			if name == "" {
				name = "(no cycle)"
			}
			fmt.Printf("\n== %s\n", name)
		}
		fmt.Println(formatEvent(e))
	}
	if len(results) > 0 {
		fmt.Println()
		printStageSummary(results)
	}
}

func readStore(cfgPath, cycleID string) ([]model.Event, []model.StageResult, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if cycleID == "" {
		return nil, nil, fmt.Errorf("-store needs -cycle")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	defer st.Close()
	events, err := st.ListEvents(ctx, cycleID)
	if err != nil {
		return nil, nil, err
	}
	results, err := st.ListStageResults(ctx, cycleID)
	return events, results, err
}

func formatEvent(e model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-22s", e.At.Format("15:04:05.000"), e.Type)
	if e.From != "" || e.To != "" {
		fmt.Fprintf(&b, " %s -> %s", e.From, e.To)
	}
	if e.Stage != "" {
		fmt.Fprintf(&b, " stage=%s", e.Stage)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %q", e.Message)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	return b.String()
}

func printStageSummary(rs []model.StageResult) {
	type counts struct{ kept, dropped int }
	by := map[model.Stage]*counts{}
	var order []model.Stage
	for _, r := range rs {
		c, ok := by[r.Stage]
		if !ok {
			c = &counts{}
			by[r.Stage] = c
			order = append(order, r.Stage)
		}
		if r.Kept() {
			c.kept++
		} else {
			c.dropped++
		}
	}
	for _, st := range order {
		fmt.Printf("%-12s kept=%d dropped=%d\n", st, by[st].kept, by[st].dropped)
	}
}
