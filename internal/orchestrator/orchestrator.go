// Package orchestrator serializes privileged, long-running compose
// commands across instances. At most one mutating operation is in flight
// system-wide; progress is exposed to pollers through an immutable
// snapshot of the global multi-stage record.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/composedeck/composedeck/internal/compose"
	"github.com/composedeck/composedeck/internal/config"
	"github.com/composedeck/composedeck/internal/instance"
)

// Kind identifies a simple per-instance staged operation.
type Kind string

const (
	OpStart     Kind = "start"
	OpStop      Kind = "stop"
	OpPull      Kind = "pull"
	OpClearData Kind = "clear_data"
)

// Timeouts for the radio settings tooling; compose commands use the
// configured command timeout instead.
const (
	settingsTimeout = 10 * time.Second
	reloadTimeout   = 15 * time.Second
)

// Orchestrator executes named operations as background tasks, coordinating
// the action lock, progress tracker, selection store and run-state probe.
// Once started, an operation runs to completion or timeout; there is no
// mid-operation cancellation.
type Orchestrator struct {
	reg       *instance.Registry
	sel       *instance.Selection
	templates *config.TemplateRegistry
	probe     *compose.Probe
	runner    compose.Runner
	tracker   *Tracker
	lock      ActionLock

	cmdTimeout time.Duration
}

// New wires an Orchestrator from its collaborators.
func New(reg *instance.Registry, sel *instance.Selection, templates *config.TemplateRegistry,
	probe *compose.Probe, runner compose.Runner, cmdTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		reg:        reg,
		sel:        sel,
		templates:  templates,
		probe:      probe,
		runner:     runner,
		tracker:    NewTracker(),
		cmdTimeout: cmdTimeout,
	}
}

// Progress returns the current progress snapshot.
func (o *Orchestrator) Progress() Snapshot {
	return o.tracker.Snapshot()
}

// StartOperation launches a simple staged operation against the named
// instance. It returns nil when the operation was accepted, ErrBusy when
// another operation holds the action lock, ErrNotFound when the instance
// is absent, or a ValidationError for an unknown kind. Operations are
// never queued.
func (o *Orchestrator) StartOperation(kind Kind, name string) error {
	var run func(name string)
	switch kind {
	case OpStart:
		run = o.doStart
	case OpStop:
		run = o.doStop
	case OpPull:
		run = o.doPull
	case OpClearData:
		run = o.doClearData
	default:
		return validationf("unknown operation %q", kind)
	}

	if !o.reg.Has(name) {
		return ErrNotFound
	}
	if !o.lock.TryAcquire() {
		return ErrBusy
	}

	go func() {
		defer o.lock.Release()
		run(name)
	}()
	return nil
}

// SwitchTo activates the target instance. Switching to the instance that
// is already selected (or switching when nothing is selected) degenerates
// to a start-only path, avoiding unnecessary downtime.
func (o *Orchestrator) SwitchTo(target string) error {
	if !o.reg.Has(target) {
		return ErrNotFound
	}
	if !o.lock.TryAcquire() {
		return ErrBusy
	}

	go func() {
		defer o.lock.Release()
		o.doSwitch(target)
	}()
	return nil
}

// Delete tears down the named instance best-effort and removes its
// directory. A teardown failure is logged but never blocks the removal.
func (o *Orchestrator) Delete(name string) error {
	if !o.reg.Has(name) {
		return ErrNotFound
	}
	if !o.lock.TryAcquire() {
		return ErrBusy
	}

	go func() {
		defer o.lock.Release()
		o.doDelete(name)
	}()
	return nil
}

// ApplyRadio applies the wireless settings through the staged pipeline.
// At least one field must be non-empty.
func (o *Orchestrator) ApplyRadio(fields RadioFields) error {
	if fields.empty() {
		return validationf("nothing to set")
	}
	if !o.lock.TryAcquire() {
		return ErrBusy
	}

	go func() {
		defer o.lock.Release()
		o.doRadio(fields)
	}()
	return nil
}

// EnvRestart re-applies an instance's environment by recreating its
// services. It is triggered after a successful env write while the
// instance is running.
func (o *Orchestrator) EnvRestart(name string) error {
	if !o.reg.Has(name) {
		return ErrNotFound
	}
	if !o.lock.TryAcquire() {
		return ErrBusy
	}

	go func() {
		defer o.lock.Release()
		o.doEnvRestart(name)
	}()
	return nil
}

// CreateInstance copies a template tree into a new instance directory.
// Unlike the staged operations it is synchronous: the copy is local and
// fast, so callers get the result in the initiating response. All
// validation happens before any filesystem mutation.
func (o *Orchestrator) CreateInstance(name, templateKey string) error {
	name = strings.TrimSpace(name)
	if !instance.ValidName(name) {
		return validationf("invalid name %q (alphanumeric plus - _ only, max 64 chars)", name)
	}
	if o.reg.Has(name) {
		return validationf("instance %q already exists", name)
	}
	src, err := o.templates.Resolve(templateKey)
	if err != nil {
		return validationf("%v", err)
	}

	if err := o.reg.CreateFrom(name, src); err != nil {
		return err
	}
	// Auto-select when nothing was selected before.
	o.sel.Repair()
	log.Printf("[ORCH] created instance %s from template %s", name, templateKey)
	return nil
}

// runStage executes one command as stage idx, echoing the quoted argv into
// the log and streaming output as it arrives. It returns false when the
// command exits non-zero or times out.
func (o *Orchestrator) runStage(ctx context.Context, idx int, dir string, argv []string) bool {
	o.tracker.SetStage(idx, StageRunning, "$ "+shellescape.QuoteCommand(argv))
	code, _ := o.runner.RunStreaming(ctx, dir, o.cmdTimeout, o.tracker.Append, argv...)
	if code != 0 {
		o.tracker.SetStage(idx, StageError, "")
		return false
	}
	o.tracker.SetStage(idx, StageDone, "")
	return true
}

func (o *Orchestrator) doStart(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)
	o.tracker.Reset([]string{"Start " + name})
	ok := o.runStage(ctx, 0, dir, compose.UpArgs())
	o.tracker.Finish(ok)
}

func (o *Orchestrator) doStop(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)
	o.tracker.Reset([]string{"Stop " + name})
	ok := o.runStage(ctx, 0, dir, compose.DownArgs())
	o.tracker.Finish(ok)
}

func (o *Orchestrator) doPull(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)
	o.tracker.Reset([]string{"Pull " + name})
	ok := o.runStage(ctx, 0, dir, compose.PullArgs())
	o.tracker.Finish(ok)
}

// doClearData destroys the instance's volumes, and restarts it afterwards
// only when it was running before the teardown.
func (o *Orchestrator) doClearData(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)

	wasRunning, _ := o.probe.Status(ctx, name)
	labels := []string{"Clear " + name}
	if wasRunning {
		labels = append(labels, "Restart "+name)
	}
	o.tracker.Reset(labels)

	ok := o.runStage(ctx, 0, dir, compose.DownVolumesArgs())
	if ok && wasRunning {
		ok = o.runStage(ctx, 1, dir, compose.UpArgs())
	}
	o.tracker.Finish(ok)
}

func (o *Orchestrator) doSwitch(target string) {
	ctx := context.Background()
	targetDir, ok := o.reg.Path(target)
	if !ok {
		o.tracker.Reset([]string{"Start " + target})
		o.tracker.SetStage(0, StageError, "instance "+target+" disappeared")
		o.tracker.Finish(false)
		return
	}

	selected := o.sel.Get()
	if selected == "" || selected == target {
		// Degenerate path: no stop, just start and record the selection.
		o.tracker.Reset([]string{"Start " + target})
		ok := o.runStage(ctx, 0, targetDir, compose.UpArgs())
		if ok {
			if err := o.sel.Set(target); err != nil {
				o.tracker.Append(err.Error())
				ok = false
			}
		}
		o.tracker.Finish(ok)
		return
	}

	selectedDir, _ := o.reg.Path(selected)
	o.tracker.Reset([]string{"Stop " + selected, "Start " + target, "Update selection"})

	if !o.runStage(ctx, 0, selectedDir, compose.DownArgs()) {
		o.tracker.Finish(false)
		return
	}
	if !o.runStage(ctx, 1, targetDir, compose.UpArgs()) {
		o.tracker.Finish(false)
		return
	}

	o.tracker.SetStage(2, StageRunning, "")
	if err := o.sel.Set(target); err != nil {
		o.tracker.SetStage(2, StageError, err.Error())
		o.tracker.Finish(false)
		return
	}
	o.tracker.SetStage(2, StageDone, "Selected: "+target)
	o.tracker.Finish(true)
}

// doDelete runs the teardown best-effort and then removes the instance
// directory; the deleted instance's selection is reassigned to a survivor
// or cleared.
func (o *Orchestrator) doDelete(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)
	o.tracker.Reset([]string{"Tear down " + name, "Remove files"})

	o.tracker.SetStage(0, StageRunning, "$ "+shellescape.QuoteCommand(compose.DownVolumesArgs()))
	code, _ := o.runner.RunStreaming(ctx, dir, o.cmdTimeout, o.tracker.Append, compose.DownVolumesArgs()...)
	if code != 0 {
		o.tracker.SetStage(0, StageError, "WARNING: teardown failed, removing files anyway")
	} else {
		o.tracker.SetStage(0, StageDone, "")
	}

	o.tracker.SetStage(1, StageRunning, "")
	if err := o.reg.Remove(name); err != nil {
		o.tracker.SetStage(1, StageError, err.Error())
		o.tracker.Finish(false)
		return
	}
	o.sel.Repair()
	o.tracker.SetStage(1, StageDone, "Removed "+name)
	o.tracker.Finish(true)
}

// RadioFields carries the wireless parameters of a config-apply request.
type RadioFields struct {
	HotspotSSID string `json:"hs_ssid"`
	HotspotKey  string `json:"hs_psk"`
	UplinkSSID  string `json:"sta_ssid"`
	UplinkKey   string `json:"sta_psk"`
}

func (f RadioFields) empty() bool {
	return f.HotspotSSID == "" && f.HotspotKey == "" && f.UplinkSSID == "" && f.UplinkKey == ""
}

// commands expands the non-empty fields into uci set invocations. The
// hotspot serves on two radios, the uplink on one.
func (f RadioFields) commands() [][]string {
	var cmds [][]string
	if f.HotspotSSID != "" {
		cmds = append(cmds,
			[]string{"uci", "set", "wireless.default_radio1.ssid=" + f.HotspotSSID},
			[]string{"uci", "set", "wireless.default_radio2.ssid=" + f.HotspotSSID})
	}
	if f.HotspotKey != "" {
		cmds = append(cmds,
			[]string{"uci", "set", "wireless.default_radio1.key=" + f.HotspotKey},
			[]string{"uci", "set", "wireless.default_radio2.key=" + f.HotspotKey})
	}
	if f.UplinkSSID != "" {
		cmds = append(cmds, []string{"uci", "set", "wireless.default_radio0.ssid=" + f.UplinkSSID})
	}
	if f.UplinkKey != "" {
		cmds = append(cmds, []string{"uci", "set", "wireless.default_radio0.key=" + f.UplinkKey})
	}
	return cmds
}

// doRadio applies the wireless settings. The parameter sub-steps are
// independently best-effort and folded into one pass/fail stage; the
// commit+reload stage halts the pipeline on failure; the selected instance
// is restarted afterwards when it was running.
func (o *Orchestrator) doRadio(fields RadioFields) {
	ctx := context.Background()

	selected := o.sel.Get()
	restart := false
	if selected != "" {
		restart, _ = o.probe.Status(ctx, selected)
	}

	labels := []string{"Set parameters", "Commit and reload"}
	if restart {
		labels = append(labels, "Restart "+selected)
	}
	o.tracker.Reset(labels)

	o.tracker.SetStage(0, StageRunning, "")
	paramsOK := true
	for _, argv := range fields.commands() {
		o.tracker.Append("$ " + shellescape.QuoteCommand(argv))
		code, _ := o.runner.RunStreaming(ctx, "", settingsTimeout, o.tracker.Append, argv...)
		if code != 0 {
			paramsOK = false
		}
	}
	if paramsOK {
		o.tracker.SetStage(0, StageDone, "")
	} else {
		o.tracker.SetStage(0, StageError, "")
	}

	o.tracker.SetStage(1, StageRunning, "$ uci commit wireless")
	code, _ := o.runner.RunStreaming(ctx, "", settingsTimeout, o.tracker.Append, "uci", "commit", "wireless")
	if code == 0 {
		o.tracker.Append("$ wifi reload")
		code, _ = o.runner.RunStreaming(ctx, "", reloadTimeout, o.tracker.Append, "wifi", "reload")
	}
	if code != 0 {
		o.tracker.SetStage(1, StageError, "")
		o.tracker.Finish(false)
		return
	}
	o.tracker.SetStage(1, StageDone, "")

	ok := paramsOK
	if restart {
		dir, found := o.reg.Path(selected)
		if !found {
			o.tracker.SetStage(2, StageError, fmt.Sprintf("instance %s disappeared", selected))
			o.tracker.Finish(false)
			return
		}
		if !o.runStage(ctx, 2, dir, compose.RestartArgs()) {
			ok = false
		}
	}
	o.tracker.Finish(ok)
}

func (o *Orchestrator) doEnvRestart(name string) {
	ctx := context.Background()
	dir, _ := o.reg.Path(name)
	o.tracker.Reset([]string{"Apply changes"})
	ok := o.runStage(ctx, 0, dir, compose.UpArgs())
	o.tracker.Finish(ok)
}
