// Package status periodically reports which keys this worker serves to
// the relay, so the relay can tell a dead worker from a quiet one.
package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/streamscribe/streamscribe/internal/config"
	"github.com/streamscribe/streamscribe/internal/models"
	"github.com/streamscribe/streamscribe/internal/observability"
	"github.com/streamscribe/streamscribe/internal/relay"
	"github.com/streamscribe/streamscribe/internal/version"
)

const (
	reportSchedule = "@every 1m"
	reportTimeout  = 10 * time.Second
)

// StateSource exposes the per-key live state the report is built from.
type StateSource interface {
	State(key string) (*models.KeyState, error)
}

// Poster delivers a report to the relay.
type Poster interface {
	ReportStatus(ctx context.Context, report relay.StatusReport) error
}

// Reporter sends a status report every minute while started.
type Reporter struct {
	cfg    *config.Config
	store  StateSource
	relay  Poster
	logger *slog.Logger
	cron   *cron.Cron
}

// New builds a Reporter.
func New(cfg *config.Config, store StateSource, poster Poster, logger *slog.Logger) *Reporter {
	return &Reporter{
		cfg:    cfg,
		store:  store,
		relay:  poster,
		logger: observability.WithComponent(logger, "status"),
	}
}

// Start begins periodic reporting. With the relay disabled there is
// nobody to report to, so this is a no-op.
func (r *Reporter) Start() error {
	if !r.cfg.Server.Enabled {
		r.logger.Info("relay disabled, skipping status reporting")
		return nil
	}

	r.cron = cron.New()
	if _, err := r.cron.AddFunc(reportSchedule, r.report); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("started", slog.String("schedule", reportSchedule))

	// First report goes out immediately so a restart is visible.
	go r.report()
	return nil
}

// Stop halts reporting. An in-flight report finishes.
func (r *Reporter) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("stopped")
}

func (r *Reporter) report() {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	r.logHostStats(ctx)

	if err := r.relay.ReportStatus(ctx, r.buildReport()); err != nil {
		r.logger.Error("sending status report", slog.Any("error", err))
	}
}

// buildReport collects the live state of every configured key.
func (r *Reporter) buildReport() relay.StatusReport {
	report := relay.StatusReport{
		Version:   version.Version,
		BuildTime: version.Date,
	}
	for _, key := range r.cfg.Keys() {
		status := relay.KeyStatus{Key: key}
		state, err := r.store.State(key)
		if err != nil {
			r.logger.Warn("reading key state",
				slog.String("key", key), slog.Any("error", err))
		} else if state != nil {
			status.IsLive = state.Active
			status.StreamID = state.StreamID
		}
		report.Keys = append(report.Keys, status)
	}
	return report
}

// logHostStats records host pressure next to each report, which is the
// cheapest way to correlate transcription stalls with load.
func (r *Reporter) logHostStats(ctx context.Context) {
	attrs := []any{}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		attrs = append(attrs, slog.Float64("cpu_percent", percents[0]))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		attrs = append(attrs, slog.Float64("mem_used_percent", vm.UsedPercent))
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		attrs = append(attrs, slog.Float64("load1", avg.Load1))
	}
	if len(attrs) > 0 {
		r.logger.Debug("host stats", attrs...)
	}
}
