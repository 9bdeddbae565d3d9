package balancer

import (
	"context"
	"time"

	"github.com/soltixdb/pgbalancer/internal/config"
)

// Loop outcomes
const (
	OutcomeInactive      = "inactive"
	OutcomeOutsideWindow = "outside_window"
	OutcomeNotReady      = "not_ready"
	OutcomeExecuted      = "executed"
	OutcomeFailed        = "failed"
)

// TimeInInterval reports whether tod lies in [begin, end). An interval
// with begin after end wraps around midnight.
func TimeInInterval(tod, begin, end int) bool {
	if begin <= end {
		return tod >= begin && tod < end
	}
	return tod >= begin || tod < end
}

// Start runs the balancing loop in the background
func (b *Balancer) Start(ctx context.Context) {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()

	b.logger.Info("Starting balancer")
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop interrupts the sleep and waits for an in-flight cycle to finish
func (b *Balancer) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	b.logger.Info("Balancer stopped")
}

// Wake cuts the current sleep short
func (b *Balancer) Wake() {
	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *Balancer) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		if _, err := b.RunOnce(ctx); err != nil {
			b.logger.Error("Balancer cycle failed", "error", err)
		}

		sleep := b.sleepInterval()
		b.logger.Debug("Sleeping", "interval", sleep)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.stopCh:
			timer.Stop()
			return
		case <-b.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Balancer) sleepInterval() time.Duration {
	v, err := b.opts.Settings.Get("sleep_interval")
	if err == nil {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return config.DefaultBalancerConfig().SleepInterval
}

// RunOnce performs one automatic cycle: when active and inside the time
// window, create an auto plan, optimize it, execute it if ready and drop it
func (b *Balancer) RunOnce(ctx context.Context) (string, error) {
	outcome, err := b.runOnce(ctx)
	b.opts.Recorder.BalancerCycle(outcome)
	return outcome, err
}

func (b *Balancer) runOnce(ctx context.Context) (string, error) {
	cfg, err := b.Config()
	if err != nil {
		return OutcomeFailed, err
	}

	now := b.opts.Now()
	tod, _ := config.ParseHHMM(now.Format("1504"))
	begin, _ := config.ParseHHMM(cfg.BeginTime)
	end, _ := config.ParseHHMM(cfg.EndTime)
	b.logger.Info("Waking up", "active", cfg.Active, "begin", cfg.BeginTime, "end", cfg.EndTime, "now", now.Format("1504"))

	if !cfg.Active {
		return OutcomeInactive, nil
	}
	if !TimeInInterval(tod, begin, end) {
		return OutcomeOutsideWindow, nil
	}

	name := AutoName(now)
	outcome := OutcomeNotReady
	err = b.withClaim(ctx, name, func() error {
		p, err := b.newPlan(ctx, name)
		if err != nil {
			return err
		}
		res, err := b.Optimize(ctx, p)
		if err != nil {
			return err
		}
		if !res.Ready {
			return nil
		}
		if err := b.Execute(ctx, p); err != nil {
			return err
		}
		outcome = OutcomeExecuted
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}
