// Package otaengine wires the update core of a seamless A/B device: the
// preference store, boot control, the snapshot manager, the dynamic
// partition orchestrator and attempt metrics.
package otaengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/dynamicpartition"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/ankur-anand/otaengine/snapshot"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by every Engine method after Close.
var ErrClosed = errors.New("otaengine: engine closed")

// resourceGuard closes what a partially built Engine opened.
type resourceGuard struct {
	closers []func() error
}

func (g *resourceGuard) add(closer func() error) {
	g.closers = append(g.closers, closer)
}

func (g *resourceGuard) abort() error {
	var result *multierror.Error
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (g *resourceGuard) disarm() {
	g.closers = nil
}

// Engine owns the components of one device. The orchestrator it exposes is
// not safe for concurrent mutation.
type Engine struct {
	opts Options

	store     *blobstore.Store
	prefs     *prefs.Store
	boot      bootcontrol.BootControl
	snapshots *snapshot.Manager
	control   dynamicpartition.Control

	reporter   metrics.Reporter
	collectors []prometheus.Collector

	closed atomic.Bool
}

// Open builds an Engine over opts.RootDir and restores the state of any
// update attempt left by a previous process.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.RootDir, 0o755); err != nil {
		return nil, err
	}

	var guard resourceGuard
	defer func() {
		if err := guard.abort(); err != nil {
			slog.Warn("otaengine: release after failed open", "error", err)
		}
	}()

	store, err := blobstore.NewFile(ctx, opts.stateDir(), "")
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	guard.add(store.Close)

	storage, err := openPrefsStorage(ctx, opts, store)
	if err != nil {
		return nil, fmt.Errorf("open prefs: %w", err)
	}
	p := prefs.New(storage)
	guard.add(p.Close)

	boot := opts.BootControl
	if boot == nil {
		boot, err = bootcontrol.NewPersistent(p, opts.CurrentSlot, opts.BootID)
		if err != nil {
			return nil, err
		}
	}

	snapshots, err := snapshot.New(store, snapshot.Options{
		Dir:             opts.snapshotDir(),
		FreeSpace:       opts.FreeSpace,
		ReaderCacheSize: opts.ReaderCacheSize,
	})
	if err != nil {
		return nil, err
	}

	engineMetrics := metrics.DefaultEngineMetrics(opts.MetricsConstLabels)
	collectors := engineMetrics.Collectors()
	reporter := opts.Reporter
	if reporter == nil {
		prom := metrics.DefaultPrometheusReporter(opts.MetricsConstLabels)
		collectors = append(collectors, prom.Collectors()...)
		reporter = prom
	}

	control, err := dynamicpartition.New(ctx, dynamicpartition.Options{
		Features:           opts.Features,
		DeviceDir:          opts.DeviceDir,
		SuperName:          opts.SuperName,
		SuperSize:          opts.SuperSize,
		Store:              store,
		Snapshots:          snapshots,
		BootControl:        boot,
		Prefs:              p,
		Compression:        opts.CowCompression,
		MergeChunkBlocks:   opts.MergeChunkBlocks,
		SlotSuccessTimeout: opts.SlotSuccessTimeout,
		Metrics:            engineMetrics,
	})
	if err != nil {
		return nil, err
	}
	guard.add(control.Cleanup)

	e := &Engine{
		opts:       opts,
		store:      store,
		prefs:      p,
		boot:       boot,
		snapshots:  snapshots,
		control:    control,
		reporter:   reporter,
		collectors: collectors,
	}
	slog.Info("otaengine: opened", "root", opts.RootDir, "prefs", opts.PrefsBackend,
		"current_slot", boot.CurrentSlot(), "state", control.State())

	guard.disarm()
	return e, nil
}

func openPrefsStorage(ctx context.Context, opts Options, store *blobstore.Store) (prefs.Storage, error) {
	switch opts.PrefsBackend {
	case PrefsPebble:
		return prefs.OpenPebble(opts.prefsDir())
	case PrefsBadger:
		return prefs.OpenBadger(opts.prefsDir())
	default:
		return prefs.OpenBlob(ctx, store)
	}
}

func (e *Engine) Control() dynamicpartition.Control { return e.control }

func (e *Engine) Prefs() prefs.Prefs { return e.prefs }

func (e *Engine) BootControl() bootcontrol.BootControl { return e.boot }

func (e *Engine) Snapshots() *snapshot.Manager { return e.snapshots }

// Collectors returns the Prometheus collectors owned by the engine.
func (e *Engine) Collectors() []prometheus.Collector { return e.collectors }

// BeginAttempt counts a new update attempt and stamps its start.
func (e *Engine) BeginAttempt() error {
	if e.closed.Load() {
		return ErrClosed
	}
	attempt := metrics.GetPersistedValue(prefs.KeyPayloadAttemptNumber, e.prefs) + 1
	if err := metrics.SetPayloadAttemptNumber(attempt, e.prefs); err != nil {
		return err
	}
	if err := metrics.SetUpdateTimestampStart(e.opts.Clock.Now(), e.prefs); err != nil {
		return err
	}
	return metrics.SetUpdateBootTimestampStart(e.opts.Clock.BootTime(), e.prefs)
}

// ReportAttempt reports the outcome of the current attempt. A successful
// attempt also reports the attempt and reboot counts, stamps the system
// updated marker and resets both counters.
func (e *Engine) ReportAttempt(code errorcode.Code) (metrics.AttemptResult, error) {
	if e.closed.Load() {
		return metrics.AttemptInternalError, ErrClosed
	}
	attempt := metrics.GetPersistedValue(prefs.KeyPayloadAttemptNumber, e.prefs)
	result := metrics.GetAttemptResult(code)
	e.reporter.ReportUpdateAttempt(attempt, e.attemptDuration(), result, code)

	switch result {
	case metrics.AttemptPayloadDownloadError:
		e.reporter.ReportDownloadError(metrics.GetDownloadErrorCode(code))
	case metrics.AttemptUpdateSucceeded:
		reboots := metrics.GetPersistedValue(prefs.KeyNumReboots, e.prefs)
		e.reporter.ReportSuccessfulUpdate(attempt, reboots)
		if err := metrics.SetSystemUpdatedMarker(e.opts.Clock, e.prefs); err != nil {
			return result, err
		}
		if err := metrics.SetPayloadAttemptNumber(0, e.prefs); err != nil {
			return result, err
		}
		if err := metrics.SetNumReboots(0, e.prefs); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (e *Engine) attemptDuration() time.Duration {
	start := metrics.GetPersistedValue(prefs.KeyUpdateTimestampStart, e.prefs)
	if start == 0 {
		return 0
	}
	return max(e.opts.Clock.Now().Sub(time.UnixMicro(start)), 0)
}

// OnBoot runs once per boot. It reports the time from a finished update to
// this boot, counts the reboot against a pending attempt and settles the
// update left by the previous boot.
func (e *Engine) OnBoot(ctx context.Context, delegate dynamicpartition.CleanupDelegate) errorcode.Code {
	if e.closed.Load() {
		return errorcode.Error
	}
	if metrics.LoadAndReportTimeToReboot(e.reporter, e.prefs, e.opts.Clock) {
		if err := e.prefs.Delete(prefs.KeySystemUpdatedMarker); err != nil {
			slog.Warn("otaengine: clear system updated marker", "error", err)
		}
	}
	if metrics.GetPersistedValue(prefs.KeyPayloadAttemptNumber, e.prefs) > 0 {
		reboots := metrics.GetPersistedValue(prefs.KeyNumReboots, e.prefs) + 1
		if err := metrics.SetNumReboots(reboots, e.prefs); err != nil {
			slog.Warn("otaengine: count reboot", "error", err)
		}
	}
	action := e.control.GetCleanupPreviousUpdateAction(e.boot, e.prefs, delegate)
	return action.Run(ctx)
}

// Close unmaps every device and releases the stores. It is safe to call
// more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var result *multierror.Error
	if err := e.control.Cleanup(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.prefs.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
