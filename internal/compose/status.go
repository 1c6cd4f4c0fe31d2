package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/composedeck/composedeck/internal/instance"
)

// psRecord is the subset of a `docker compose ps --format json` line the
// probe cares about.
type psRecord struct {
	Name   string `json:"Name"`
	State  string `json:"State"`
	Status string `json:"Status"`
}

// Probe answers run-state questions by shelling out to docker compose.
type Probe struct {
	reg     *instance.Registry
	runner  Runner
	timeout time.Duration
}

// NewProbe creates a Probe over reg using runner, with timeout bounding
// each status query.
func NewProbe(reg *instance.Registry, runner Runner, timeout time.Duration) *Probe {
	return &Probe{reg: reg, runner: runner, timeout: timeout}
}

// Status reports whether the named instance is running, plus a
// human-readable status text. An instance counts as running only when
// every container reports the running state. Lines that fail to parse are
// preserved verbatim in the status text for diagnosis.
func (p *Probe) Status(ctx context.Context, name string) (bool, string) {
	dir, ok := p.reg.Path(name)
	if !ok {
		return false, "Instance not found"
	}

	code, out := p.runner.Run(ctx, dir, p.timeout, PSArgs()...)
	if code != 0 {
		text := strings.TrimSpace(out)
		if text == "" {
			text = "Error running docker compose ps"
		}
		return false, text
	}

	var rows []string
	allUp := true
	seen := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		seen = true
		var rec psRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			rows = append(rows, line)
			continue
		}
		if rec.State != "running" {
			allUp = false
		}
		rows = append(rows, fmt.Sprintf("%s: %s (%s)", rec.Name, rec.State, rec.Status))
	}
	if !seen {
		return false, "No containers"
	}
	return allUp, strings.Join(rows, "\n")
}

// InstanceState is the status surface exposed per instance.
type InstanceState struct {
	Running    bool   `json:"running"`
	StatusText string `json:"status_text"`
	Path       string `json:"path"`
}

// StatusAll probes every registered instance concurrently.
func (p *Probe) StatusAll(ctx context.Context) map[string]InstanceState {
	insts := p.reg.List()

	var mu sync.Mutex
	states := make(map[string]InstanceState, len(insts))

	g, gctx := errgroup.WithContext(ctx)
	for name, path := range insts {
		name, path := name, path
		g.Go(func() error {
			running, text := p.Status(gctx, name)
			mu.Lock()
			states[name] = InstanceState{Running: running, StatusText: text, Path: path}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// AnyRunning reports whether at least one registered instance is running.
func (p *Probe) AnyRunning(ctx context.Context) bool {
	for _, st := range p.Sample(ctx) {
		if st {
			return true
		}
	}
	return false
}

// Sample probes all instances concurrently and returns name -> running.
func (p *Probe) Sample(ctx context.Context) map[string]bool {
	names := p.reg.Names()

	var mu sync.Mutex
	running := make(map[string]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			up, _ := p.Status(gctx, name)
			mu.Lock()
			running[name] = up
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return running
}
