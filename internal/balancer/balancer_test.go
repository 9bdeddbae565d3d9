package balancer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soltixdb/pgbalancer/internal/claim"
	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/metadata"
)

type fakeProvider struct {
	m      *cluster.Map
	up     map[string][]int
	stats  map[int]cluster.OSDStat
	health cluster.HealthRatios
}

func (p *fakeProvider) OSDMap(ctx context.Context) (*cluster.Map, error) { return p.m, nil }

func (p *fakeProvider) PGDump(ctx context.Context) (map[string]cluster.PGStat, error) {
	return nil, nil
}

func (p *fakeProvider) HealthRatios(ctx context.Context) (cluster.HealthRatios, error) {
	return p.health, nil
}

func (p *fakeProvider) OSDStats(ctx context.Context) (map[int]cluster.OSDStat, error) {
	return p.stats, nil
}

func (p *fakeProvider) Mapper() cluster.Mapper { return cluster.StaticMapper{Up: p.up} }

// skewed puts counts[i] single-replica PGs on hdd device i of one root
func skewed(counts ...int) *fakeProvider {
	total := 0
	for _, n := range counts {
		total += n
	}
	p := &fakeProvider{
		m: &cluster.Map{
			Epoch:   7,
			Pools:   []cluster.Pool{{ID: 1, Name: "data", CrushRule: 0, Size: 1, PGNum: total}},
			Devices: map[int]cluster.Device{},
			Roots:   []cluster.Root{{ID: -1, Name: "default"}},
			Rules:   []cluster.Rule{{ID: 0, Takes: []int{-1}}},
		},
		up:    map[string][]int{},
		stats: map[int]cluster.OSDStat{},
	}
	seed := 0
	for osd, n := range counts {
		p.m.Devices[osd] = cluster.Device{ID: osd, Class: "hdd", CrushWeight: 1, Weight: 1, Up: true, In: true, PrimaryAffinity: 1}
		p.m.Roots[0].Devices = append(p.m.Roots[0].Devices, osd)
		p.stats[osd] = cluster.OSDStat{KB: 1000, KBUsed: int64(n * 20), KBAvail: 1000 - int64(n*20)}
		for i := 0; i < n; i++ {
			p.up[cluster.PGID(1, seed)] = []int{osd}
			seed++
		}
	}
	return p
}

type executed struct {
	mu   sync.Mutex
	cmds []command.Command
	fail string
}

func (e *executed) Execute(ctx context.Context, cmd command.Command) dispatch.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	if cmd.Prefix == e.fail {
		return dispatch.Result{Code: dispatch.CodeInvalid, Message: "rejected"}
	}
	return dispatch.Result{}
}

func (e *executed) all() []command.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]command.Command(nil), e.cmds...)
}

type fixture struct {
	b       *Balancer
	exec    *executed
	archive *metadata.Archive
	claims  *claim.MemoryClaimer
}

func newFixture(t *testing.T, p *fakeProvider, overrides map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	settings := config.NewSettings("/cfg/balancer/", config.DefaultBalancerConfig(), nil)
	for k, v := range overrides {
		if err := settings.Set(ctx, k, v); err != nil {
			t.Fatalf("Set(%s) failed: %v", k, err)
		}
	}
	exec := &executed{}
	d := dispatch.NewLocalDispatcher(exec, logging.NewNop())
	t.Cleanup(d.Close)

	f := &fixture{
		exec:    exec,
		archive: metadata.NewArchive(metadata.NewMemoryStore(), "/plans", 10, logging.NewNop()),
		claims:  claim.NewMemoryClaimer(time.Minute),
	}
	f.b = New(Options{
		Settings:       settings,
		Provider:       p,
		Dispatcher:     d,
		Claimer:        f.claims,
		Archive:        f.archive,
		Owner:          "test",
		CommandTimeout: time.Second,
		Now:            func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) },
	}, logging.NewNop())
	return f
}

func TestTimeInInterval(t *testing.T) {
	tests := []struct {
		tod, begin, end int
		want            bool
	}{
		{0, 0, 1440, true},
		{1439, 0, 1440, true},
		{60, 0, 120, true},
		{120, 0, 120, false},
		{1380, 1320, 120, true},
		{60, 1320, 120, true},
		{720, 1320, 120, false},
		{600, 600, 600, false},
	}
	for _, tt := range tests {
		if got := TimeInInterval(tt.tod, tt.begin, tt.end); got != tt.want {
			t.Errorf("TimeInInterval(%d, %d, %d) = %v, want %v", tt.tod, tt.begin, tt.end, got, tt.want)
		}
	}
}

func TestAutoName(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	got := AutoName(time.Date(2024, 3, 5, 9, 8, 7, 0, loc))
	if got != "auto_2024-03-05_07:08:07" {
		t.Errorf("unexpected name %s", got)
	}
}

func TestGate(t *testing.T) {
	tests := []struct {
		h    cluster.HealthRatios
		want string
	}{
		{cluster.HealthRatios{}, ""},
		{cluster.HealthRatios{Misplaced: 0.05}, ""},
		{cluster.HealthRatios{Unknown: 0.1, Degraded: 0.1}, "unknown"},
		{cluster.HealthRatios{Degraded: 0.1}, "degraded"},
		{cluster.HealthRatios{Inactive: 0.1}, "inactive"},
		{cluster.HealthRatios{Misplaced: 0.06}, "misplaced"},
	}
	for _, tt := range tests {
		got := Gate(tt.h, 0.05)
		if tt.want == "" && got != "" || !strings.Contains(got, tt.want) {
			t.Errorf("Gate(%+v) = %q, want %q", tt.h, got, tt.want)
		}
	}
}

func TestBalancer_OptimizeShowExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "seed": "1"})

	res, err := f.b.OptimizePlan(ctx, "p1")
	if err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}
	if !res.Ready || res.Mode != config.ModeUpmap {
		t.Fatalf("expected a ready upmap plan, got %+v", res)
	}
	if st := f.b.Status(); len(st.Plans) != 1 || st.Plans[0] != "p1" || st.Mode != config.ModeUpmap {
		t.Errorf("unexpected status %+v", st)
	}

	text, err := f.b.Show("p1")
	if err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if !strings.HasPrefix(text, "# starting osdmap epoch 7") || !strings.Contains(text, "ceph osd pg-upmap-items 1.") {
		t.Errorf("unexpected plan text:\n%s", text)
	}

	pe, err := f.b.Evaluate(ctx, "p1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	current, _ := f.b.Evaluate(ctx, "")
	if pe.Score >= current.Score {
		t.Errorf("plan should improve the score: %f >= %f", pe.Score, current.Score)
	}

	if err := f.b.ExecutePlan(ctx, "p1"); err != nil {
		t.Fatalf("ExecutePlan failed: %v", err)
	}
	if len(f.exec.all()) != 10 {
		t.Errorf("expected 10 upmap commands, got %d", len(f.exec.all()))
	}
	if _, err := f.b.Plan("p1"); !errors.Is(err, ErrPlanNotFound) {
		t.Error("executed plan must be removed")
	}
	history, _ := f.b.History(ctx)
	if len(history) != 1 || history[0].Result != "ok" || len(history[0].Commands) != 10 {
		t.Errorf("unexpected history %+v", history)
	}
	if _, held, _ := f.claims.Owner(ctx, "p1"); held {
		t.Error("claim must be released")
	}
}

func TestBalancer_ExecuteFailureArchived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap})
	f.exec.fail = command.PrefixPGUpmapItems

	if _, err := f.b.OptimizePlan(ctx, "p"); err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}
	err := f.b.ExecutePlan(ctx, "p")
	var cmdErr *dispatch.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected a CommandError, got %v", err)
	}
	rec, err := f.archive.Get(ctx, "p")
	if err != nil || rec.Result != "failed" || rec.Error == "" {
		t.Errorf("expected a failed record, got %+v %v", rec, err)
	}
}

func TestBalancer_Registry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(10, 10, 10), nil)

	if _, err := f.b.Show("nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
	if err := f.b.RemovePlan("nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}

	res, err := f.b.OptimizePlan(ctx, "idle")
	if err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}
	if res.Ready {
		t.Error("mode none must not produce a ready plan")
	}

	tree, err := f.b.Dump("idle", "name")
	if err != nil || tree != "idle" {
		t.Errorf("expected the plan name, got %v %v", tree, err)
	}
	missing, _ := f.b.Dump("idle", "initial.nothing")
	if m, ok := missing.(map[string]interface{}); !ok || m["message"] != "Can't find path" {
		t.Errorf("unexpected dump of a missing path %v", missing)
	}

	f.b.Reset()
	if len(f.b.Status().Plans) != 0 {
		t.Error("expected no plans after Reset")
	}
}

func TestBalancer_OptimizeGated(t *testing.T) {
	p := skewed(20, 5, 5)
	p.health = cluster.HealthRatios{Degraded: 0.01}
	f := newFixture(t, p, map[string]string{"mode": config.ModeUpmap})

	res, err := f.b.OptimizePlan(context.Background(), "g")
	if err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}
	if res.Ready || !strings.Contains(res.Reason, "degraded") {
		t.Errorf("expected a degraded wait, got %+v", res)
	}
}

func TestBalancer_OptimizeRejection(t *testing.T) {
	f := newFixture(t, skewed(10, 10, 10), map[string]string{"mode": config.ModeUpmap})

	res, err := f.b.OptimizePlan(context.Background(), "even")
	if err != nil {
		t.Fatalf("rejections are not failures: %v", err)
	}
	if res.Ready || res.Reason == "" {
		t.Errorf("expected a rejection reason, got %+v", res)
	}
}

func TestBalancer_ClaimConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap})

	if err := f.claims.Claim(ctx, "busy", "someone-else"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := f.b.OptimizePlan(ctx, "busy"); !errors.Is(err, claim.ErrClaimed) {
		t.Errorf("expected ErrClaimed, got %v", err)
	}
}

func TestBalancer_Reweight(t *testing.T) {
	ctx := context.Background()
	p := skewed(5, 5, 5)
	p.m.Devices[3] = cluster.Device{ID: 3, Class: "ssd", Weight: 1, Up: true, In: true}
	p.m.Devices[4] = cluster.Device{ID: 4, Class: "hdd", Weight: 1, Up: false, In: true}
	f := newFixture(t, p, nil)

	if err := f.b.Reweight(ctx, "hdd", 1.5); !errors.Is(err, ErrInvalidWeight) {
		t.Errorf("expected ErrInvalidWeight, got %v", err)
	}
	if err := f.b.Reweight(ctx, "nvme", 0.5); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("expected ErrUnknownClass, got %v", err)
	}
	if err := f.b.Reweight(ctx, "hdd", 0.5); err != nil {
		t.Fatalf("Reweight failed: %v", err)
	}
	cmds := f.exec.all()
	if len(cmds) != 1 || cmds[0].Prefix != command.PrefixReweightN {
		t.Fatalf("expected one reweightn, got %v", cmds)
	}
	if len(cmds[0].Weights) != 3 || cmds[0].Weights[0] != 0.5 {
		t.Errorf("expected the three in+up hdd devices, got %v", cmds[0].Weights)
	}
}

func TestBalancer_SetMode(t *testing.T) {
	f := newFixture(t, skewed(1), nil)
	ctx := context.Background()

	if err := f.b.SetMode(ctx, "magic"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("expected ErrUnknownMode, got %v", err)
	}
	if err := f.b.SetMode(ctx, config.ModeCrushCompat); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	if f.b.Status().Mode != config.ModeCrushCompat {
		t.Error("mode not switched")
	}
}

func TestBalancer_RunOnce(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap})
	outcome, err := f.b.RunOnce(ctx)
	if err != nil || outcome != OutcomeExecuted {
		t.Fatalf("expected %s, got %s %v", OutcomeExecuted, outcome, err)
	}
	if len(f.b.Status().Plans) != 0 {
		t.Error("the auto plan must be removed")
	}
	history, _ := f.b.History(ctx)
	if len(history) != 1 || history[0].Name != "auto_2024-03-05_12:00:00" {
		t.Errorf("unexpected history %+v", history)
	}

	f = newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "begin_time": "1300", "end_time": "1400"})
	if outcome, _ := f.b.RunOnce(ctx); outcome != OutcomeOutsideWindow {
		t.Errorf("expected %s, got %s", OutcomeOutsideWindow, outcome)
	}

	f = newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "active": "0"})
	if outcome, _ := f.b.RunOnce(ctx); outcome != OutcomeInactive {
		t.Errorf("expected %s, got %s", OutcomeInactive, outcome)
	}

	f = newFixture(t, skewed(10, 10, 10), map[string]string{"mode": config.ModeUpmap})
	if outcome, _ := f.b.RunOnce(ctx); outcome != OutcomeNotReady {
		t.Errorf("expected %s, got %s", OutcomeNotReady, outcome)
	}
	if len(f.exec.all()) != 0 {
		t.Error("a balanced cluster must not get commands")
	}
}

func TestBalancer_StartWakeStop(t *testing.T) {
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "active": "0", "sleep_interval": "1h"})
	ctx := context.Background()

	f.b.Start(ctx)
	if !f.b.Status().Running {
		t.Error("expected running")
	}
	if err := f.b.SetActive(ctx, true); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.exec.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	f.b.Stop()

	if len(f.exec.all()) == 0 {
		t.Error("waking an active balancer should execute a plan")
	}
	if f.b.Status().Running {
		t.Error("expected stopped")
	}
}

func TestBalancer_ReadWhileOptimizing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "seed": "1"})

	if _, err := f.b.OptimizePlan(ctx, "p1"); err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := f.b.Show("p1"); err != nil {
				t.Errorf("Show failed: %v", err)
				return
			}
			if _, err := f.b.Dump("p1", ""); err != nil {
				t.Errorf("Dump failed: %v", err)
				return
			}
			if _, err := f.b.Evaluate(ctx, "p1"); err != nil {
				t.Errorf("Evaluate failed: %v", err)
				return
			}
		}
	}()

	for _, mode := range []string{config.ModeCrushCompat, config.ModeUpmap, config.ModeReweight, config.ModeUpmap} {
		if err := f.b.SetMode(ctx, mode); err != nil {
			t.Fatalf("SetMode failed: %v", err)
		}
		if _, err := f.b.OptimizePlan(ctx, "p1"); err != nil {
			t.Errorf("OptimizePlan(%s) failed: %v", mode, err)
		}
	}
	close(done)
	wg.Wait()

	p, err := f.b.Plan("p1")
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if p.Mode != config.ModeUpmap || p.Empty() {
		t.Errorf("expected the last upmap plan to be registered, got mode %q", p.Mode)
	}
}

func TestBalancer_ExecuteKeepsClaimedPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, skewed(20, 5, 5), map[string]string{"mode": config.ModeUpmap, "seed": "1"})

	if _, err := f.b.OptimizePlan(ctx, "p1"); err != nil {
		t.Fatalf("OptimizePlan failed: %v", err)
	}
	if err := f.claims.Claim(ctx, "p1", "someone-else"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := f.b.ExecutePlan(ctx, "p1"); !errors.Is(err, claim.ErrClaimed) {
		t.Fatalf("expected ErrClaimed, got %v", err)
	}
	if _, err := f.b.Plan("p1"); err != nil {
		t.Errorf("plan must survive a refused execution: %v", err)
	}
	if len(f.exec.all()) != 0 {
		t.Error("no command may be sent without the claim")
	}
}
