package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/soltixdb/pgbalancer/internal/analytics/anomaly"
	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// Watcher actions
const (
	ActionPrimaryAffinity = "pri_aff"
	ActionOut             = "out"
)

// Cycle outcomes
const (
	OutcomeInactive  = "inactive"
	OutcomeUnhealthy = "unhealthy"
	OutcomeNoStats   = "no_stats"
	OutcomeIdle      = "idle"
	OutcomeDryRun    = "dry_run"
	OutcomeActed     = "acted"
	OutcomeFailed    = "failed"
)

// Recorder receives watcher metrics
type Recorder interface {
	WatcherCycle(outcome string)
	WatcherAction(class, action string)
	WatcherDevices(class string, throttled, out int)
}

type nopRecorder struct{}

func (nopRecorder) WatcherCycle(string) {}
func (nopRecorder) WatcherAction(string, string) {}
func (nopRecorder) WatcherDevices(string, int, int) {}

// Action is a throttle or out decision for one device
type Action struct {
	OSD     int             `json:"osd"`
	Class   string          `json:"class"`
	Kind    string          `json:"kind"`
	Anomaly anomaly.Anomaly `json:"anomaly"`
}

// ClassReport is what one cycle found for a device class
type ClassReport struct {
	Devices     int               `json:"devices"`
	FullWindows int               `json:"full_windows"`
	AvgLatency  float64           `json:"avg_latency"`
	Throttled   []int             `json:"throttled"`
	Out         []int             `json:"out"`
	Anomalies   []anomaly.Anomaly `json:"anomalies,omitempty"`
	PriAff      []int             `json:"pri_aff"`
	OutSelected []int             `json:"out_selected"`
	Skipped     string            `json:"skipped,omitempty"`
}

// CycleReport summarizes one watcher cycle
type CycleReport struct {
	Started time.Time               `json:"started"`
	Elapsed time.Duration           `json:"elapsed"`
	Outcome string                  `json:"outcome"`
	Health  cluster.HealthRatios    `json:"health"`
	Classes map[string]*ClassReport `json:"classes,omitempty"`
	Actions []Action                `json:"actions,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// Status is the watcher state shown to operators
type Status struct {
	Active    bool         `json:"active"`
	DryRun    bool         `json:"dry_run"`
	Debug     bool         `json:"enable_debug"`
	Strategy  string       `json:"strategy"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}

// Watcher samples device latency every period and throttles devices that
// stay slow compared to the rest of their class
type Watcher struct {
	settings   *config.Settings
	provider   cluster.StateProvider
	dispatcher dispatch.Dispatcher
	timeout    time.Duration
	recorder   Recorder
	logger     *logging.Logger

	mu      sync.Mutex
	windows *Windows
	last    *CycleReport

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher. settings must be built from a
// config.WatcherConfig; recorder may be nil.
func New(
	settings *config.Settings,
	provider cluster.StateProvider,
	dispatcher dispatch.Dispatcher,
	timeout time.Duration,
	recorder Recorder,
	logger *logging.Logger,
) *Watcher {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Watcher{
		settings:   settings,
		provider:   provider,
		dispatcher: dispatcher,
		timeout:    timeout,
		recorder:   recorder,
		logger:     logger.Component("watcher"),
		windows:    NewWindows(0),
		stopCh:     make(chan struct{}),
	}
}

// Config decodes and validates the current runtime settings
func (w *Watcher) Config() (config.WatcherConfig, error) {
	var cfg config.WatcherConfig
	if err := w.settings.Decode(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("watcher config: %w", err)
	}
	return cfg, nil
}

// Settings returns the runtime settings of the watcher
func (w *Watcher) Settings() *config.Settings {
	return w.settings
}

// Start runs the watcher loop in the background
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("Starting latency watcher")
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop interrupts the sleep and waits for an in-flight cycle to finish
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("Latency watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		timer := time.NewTimer(w.period())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := w.RunCycle(ctx); err != nil {
			w.logger.Error("Watcher cycle failed", "error", err)
		}
	}
}

func (w *Watcher) period() time.Duration {
	v, err := w.settings.Get("period")
	if err == nil {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return config.DefaultWatcherConfig().Period
}

// RunCycle samples latency once and applies the resulting decisions
func (w *Watcher) RunCycle(ctx context.Context) (*CycleReport, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := &CycleReport{Started: time.Now()}
	err := w.cycle(ctx, report)
	if err != nil {
		report.Error = err.Error()
		if report.Outcome == "" {
			report.Outcome = OutcomeFailed
		}
	}
	report.Elapsed = time.Since(report.Started)
	w.last = report
	w.recorder.WatcherCycle(report.Outcome)
	return report, err
}

func (w *Watcher) cycle(ctx context.Context, report *CycleReport) error {
	cfg, err := w.Config()
	if err != nil {
		return err
	}

	if !cfg.Active {
		w.windows.Clear()
		report.Outcome = OutcomeInactive
		return nil
	}

	health, err := w.provider.HealthRatios(ctx)
	if err != nil {
		return fmt.Errorf("failed to get health: %w", err)
	}
	report.Health = health
	if !health.Clean() {
		w.logger.Info("Cluster is not clean, waiting",
			"unknown", health.Unknown, "degraded", health.Degraded,
			"inactive", health.Inactive, "misplaced", health.Misplaced)
		report.Outcome = OutcomeUnhealthy
		return nil
	}

	m, err := w.provider.OSDMap(ctx)
	if err != nil {
		w.windows.Clear()
		report.Outcome = OutcomeNoStats
		return fmt.Errorf("failed to get osdmap: %w", err)
	}
	osdStats, err := w.provider.OSDStats(ctx)
	if err != nil {
		w.windows.Clear()
		report.Outcome = OutcomeNoStats
		return fmt.Errorf("failed to get osd stats: %w", err)
	}
	if len(m.Devices) == 0 || len(osdStats) == 0 {
		w.windows.Clear()
		report.Outcome = OutcomeNoStats
		return nil
	}

	latency, classOf := collect(m, osdStats, cfg.DefaultDeviceClass)
	w.windows.Update(latency, classOf, cfg.WindowWidth)
	w.logger.Debug("Collected latencies", "devices", len(latency))

	detector, err := anomaly.New(cfg.Strategy)
	if err != nil {
		return err
	}

	byClass := devicesByClass(m, cfg.DefaultDeviceClass)
	report.Classes = make(map[string]*ClassReport, len(byClass))
	for _, class := range sortedClasses(byClass) {
		cr, actions := w.evaluateClass(class, byClass[class], cfg, detector)
		report.Classes[class] = cr
		report.Actions = append(report.Actions, actions...)
		w.recorder.WatcherDevices(class, len(cr.Throttled), len(cr.Out))
		w.trace(cfg, "Class evaluated", "class", class, "devices", cr.Devices,
			"full_windows", cr.FullWindows, "avg_latency", cr.AvgLatency,
			"pri_aff", cr.PriAff, "out", cr.OutSelected, "skipped", cr.Skipped)
	}

	switch {
	case len(report.Actions) == 0:
		report.Outcome = OutcomeIdle
		return nil
	case cfg.DryRun:
		w.logger.Info("Dry run, not applying", "actions", len(report.Actions))
		report.Outcome = OutcomeDryRun
		return nil
	}

	report.Outcome = OutcomeActed
	var firstErr error
	for _, a := range report.Actions {
		if err := w.apply(ctx, a); err != nil {
			w.logger.Error("Action failed", "osd", a.OSD, "action", a.Kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		w.windows.Drop(a.OSD)
		w.recorder.WatcherAction(a.Class, a.Kind)
	}
	return firstErr
}

// evaluateClass runs both actions of one device class
func (w *Watcher) evaluateClass(class string, devices []cluster.Device, cfg config.WatcherConfig, detector anomaly.Detector) (*ClassReport, []Action) {
	cr := &ClassReport{Devices: len(devices), Throttled: []int{}, Out: []int{}, PriAff: []int{}, OutSelected: []int{}}
	throttled := make(map[int]bool)
	out := make(map[int]bool)
	for _, d := range devices {
		if !d.In {
			out[d.ID] = true
			cr.Out = append(cr.Out, d.ID)
		}
		if d.PrimaryAffinity == 0 {
			throttled[d.ID] = true
			cr.Throttled = append(cr.Throttled, d.ID)
		}
	}

	wc, ok := cfg.WatcherClass(class)
	if !ok {
		cr.Skipped = "no watcher config for class"
		return cr, nil
	}

	samples := w.windows.Samples(class)
	cr.FullWindows = len(samples)
	if len(samples) < anomaly.MinSamples {
		cr.Skipped = fmt.Sprintf("%d full windows, need %d", len(samples), anomaly.MinSamples)
		return cr, nil
	}
	avgs := make([]float64, len(samples))
	for i, s := range samples {
		avgs[i] = s.Avg
	}
	cr.AvgLatency, _ = stats.Mean(avgs)

	var actions []Action
	if wc.PriAff.Active {
		excluded := len(union(throttled, out))
		eligible := func(osd int) bool { return !throttled[osd] && !out[osd] }
		picked, found := w.decide(class, ActionPrimaryAffinity, samples, wc.PriAff, detector, eligible, len(devices), excluded)
		cr.Anomalies = found
		for _, a := range picked {
			cr.PriAff = append(cr.PriAff, a.OSD)
			actions = append(actions, Action{OSD: a.OSD, Class: class, Kind: ActionPrimaryAffinity, Anomaly: a})
		}
	}
	if wc.Out.Active {
		eligible := func(osd int) bool { return throttled[osd] && !out[osd] }
		picked, _ := w.decide(class, ActionOut, samples, wc.Out, detector, eligible, len(devices), len(out))
		for _, a := range picked {
			cr.OutSelected = append(cr.OutSelected, a.OSD)
			actions = append(actions, Action{OSD: a.OSD, Class: class, Kind: ActionOut, Anomaly: a})
		}
	}
	return cr, actions
}

// decide runs the detector for one action and applies the caps
func (w *Watcher) decide(
	class, kind string,
	samples []anomaly.Sample,
	params config.ActionConfig,
	detector anomaly.Detector,
	eligible func(int) bool,
	classSize, already int,
) ([]anomaly.Anomaly, []anomaly.Anomaly) {
	found, err := detector.Detect(samples, params)
	if err != nil {
		w.logger.Warn("Detection skipped", "class", class, "action", kind, "error", err)
		return nil, nil
	}
	if len(found) == 0 {
		w.logger.Debug("All latencies under thresholds", "class", class, "action", kind)
		return nil, nil
	}

	picked, reason := SelectDevices(found, eligible, classSize, already, params)
	if reason != "" {
		w.logger.Warn("Not acting", "class", class, "action", kind, "reason", reason, "anomalies", len(found))
	}
	return picked, found
}

// SelectDevices applies the sanity cap and then the churn cap to the
// anomalies of a class of classSize devices, already of which are in the
// action's target state. It returns the devices to act on, worst first,
// and the reason when nothing may be done.
func SelectDevices(found []anomaly.Anomaly, eligible func(int) bool, classSize, already int, params config.ActionConfig) ([]anomaly.Anomaly, string) {
	sanity := int(float64(classSize) * params.MaxOSDsSanityCheck)
	if len(found) > sanity {
		return nil, fmt.Sprintf("found %d slow devices, more than the %d allowed; check the configuration", len(found), sanity)
	}

	churn := int(float64(classSize) * params.MaxThrottledOSDs)
	if already >= churn {
		return nil, fmt.Sprintf("%d devices already affected, limit %d", already, churn)
	}

	allowed := churn - already
	var picked []anomaly.Anomaly
	for _, a := range found {
		if len(picked) == allowed {
			break
		}
		if eligible(a.OSD) {
			picked = append(picked, a)
		}
	}
	return picked, ""
}

func (w *Watcher) apply(ctx context.Context, a Action) error {
	var cmd command.Command
	switch a.Kind {
	case ActionPrimaryAffinity:
		cmd = command.PrimaryAffinity(a.OSD, 0)
	case ActionOut:
		cmd = command.Reweight(a.OSD, 0)
	default:
		return fmt.Errorf("unknown action %q", a.Kind)
	}
	w.logger.Info("Applying", "cmd", cmd.String(), "class", a.Class, "latency", a.Anomaly.Value, "bound", a.Anomaly.Bound)

	p, err := w.dispatcher.Send(ctx, cmd)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return p.Err(p.Wait(wctx))
}

// trace logs at info level while debug is enabled and at debug otherwise
func (w *Watcher) trace(cfg config.WatcherConfig, msg string, fields ...interface{}) {
	if cfg.EnableDebug {
		w.logger.Info(msg, fields...)
		return
	}
	w.logger.Debug(msg, fields...)
}

// Status returns the current settings and the last cycle report
func (w *Watcher) Status() Status {
	st := Status{}
	st.Active, _ = w.settings.GetBool("active")
	st.DryRun, _ = w.settings.GetBool("dry_run")
	st.Debug, _ = w.settings.GetBool("enable_debug")
	st.Strategy, _ = w.settings.Get("strategy")

	w.mu.Lock()
	st.LastCycle = w.last
	w.mu.Unlock()
	return st
}

// SetActive turns the watcher on or off
func (w *Watcher) SetActive(ctx context.Context, on bool) error {
	return w.toggle(ctx, "active", on)
}

// SetDryRun mutes or unmutes the watcher
func (w *Watcher) SetDryRun(ctx context.Context, on bool) error {
	return w.toggle(ctx, "dry_run", on)
}

// SetDebug turns verbose cycle logging on or off
func (w *Watcher) SetDebug(ctx context.Context, on bool) error {
	return w.toggle(ctx, "enable_debug", on)
}

func (w *Watcher) toggle(ctx context.Context, key string, on bool) error {
	if on {
		return w.settings.Enable(ctx, key)
	}
	return w.settings.Disable(ctx, key)
}

// collect returns max(apply, commit) latency of every in+up device with
// stats, and the class of each
func collect(m *cluster.Map, osdStats map[int]cluster.OSDStat, defaultClass string) (map[int]float64, map[int]string) {
	latency := make(map[int]float64)
	classOf := make(map[int]string)
	for id, d := range m.Devices {
		if !d.In || !d.Up {
			continue
		}
		st, ok := osdStats[id]
		if !ok {
			continue
		}
		latency[id] = st.Latency()
		classOf[id] = classOfDevice(d, defaultClass)
	}
	return latency, classOf
}

func devicesByClass(m *cluster.Map, defaultClass string) map[string][]cluster.Device {
	out := make(map[string][]cluster.Device)
	for _, id := range m.DeviceIDs() {
		d := m.Devices[id]
		class := classOfDevice(d, defaultClass)
		out[class] = append(out[class], d)
	}
	return out
}

func classOfDevice(d cluster.Device, defaultClass string) string {
	if d.Class == "" {
		return defaultClass
	}
	return d.Class
}

func sortedClasses(m map[string][]cluster.Device) []string {
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func union(a, b map[int]bool) map[int]bool {
	out := make(map[int]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}
