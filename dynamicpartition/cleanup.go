package dynamicpartition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/ankur-anand/otaengine/snapshot"
	"github.com/cenkalti/backoff/v4"
)

// Action is a unit of work run outside the update flow.
type Action interface {
	Run(ctx context.Context) errorcode.Code
}

// NoOpAction finishes immediately.
type NoOpAction struct{}

func (NoOpAction) Run(context.Context) errorcode.Code {
	return errorcode.Success
}

// CleanupDelegate receives merge progress in [0, 1].
type CleanupDelegate interface {
	OnCleanupProgressUpdate(progress float64)
}

const mergePhase = "merging"

// cleanupAction settles the update left by a previous boot: it waits for
// the new slot to be marked successful, merges the snapshots into the base
// partitions and deletes them. A rollback to the source slot discards the
// snapshots instead.
type cleanupAction struct {
	snapshots *snapshot.Manager
	boot      bootcontrol.BootControl
	prefs     prefs.Prefs
	delegate  CleanupDelegate
	chunk     int
	waitFor   time.Duration
	metrics   *metrics.EngineMetrics
	// onProgress reports the engine state as the action moves through it.
	onProgress func(UpdateState)
}

func (a *cleanupAction) Run(ctx context.Context) errorcode.Code {
	code, err := a.run(ctx)
	if err != nil {
		slog.Error("otaengine: cleanup of previous update failed", "code", code, "error", err)
		if code != errorcode.Success {
			a.metrics.ObserveMergeError(code)
		}
	}
	return code
}

func (a *cleanupAction) run(ctx context.Context) (errorcode.Code, error) {
	st, err := a.snapshots.UpdateState(ctx)
	if err != nil {
		return errorcode.Error, err
	}
	switch st.State {
	case snapshot.StateNone, snapshot.StateCancelled:
		return errorcode.Success, clearMergeCheckpoint(a.prefs)
	case snapshot.StateInitiated:
		return errorcode.Success, nil
	case snapshot.StateMergeCompleted:
		if err := a.snapshots.CompleteMerge(ctx); err != nil {
			return errorcode.Error, err
		}
		return errorcode.Success, clearMergeCheckpoint(a.prefs)
	case snapshot.StateMergeFailed:
		return errorcode.DeviceCorrupted, fmt.Errorf("%w: update %s", snapshot.ErrCorrupted, st.UpdateID)
	case snapshot.StateUnverified:
		return a.settle(ctx, st)
	case snapshot.StateMerging:
		return a.merge(ctx)
	}
	return errorcode.Error, fmt.Errorf("%w: %s", ErrWrongState, st.State)
}

// settle decides what an unverified update becomes after a reboot.
func (a *cleanupAction) settle(ctx context.Context, st snapshot.Status) (errorcode.Code, error) {
	if st.FinishedBootID == a.boot.BootID() {
		slog.Info("otaengine: update waiting for reboot", "update_id", st.UpdateID)
		return errorcode.Success, nil
	}
	current := a.boot.CurrentSlot()
	if current != st.TargetSlot {
		slog.Warn("otaengine: rolled back to source slot, discarding snapshots",
			"update_id", st.UpdateID, "current_slot", current)
		if err := a.snapshots.CancelUpdate(ctx, false); err != nil {
			return errorcode.Error, err
		}
		a.onProgress(StateNoUpdate)
		return errorcode.Success, nil
	}
	if err := a.waitForSlotSuccess(ctx, current); err != nil {
		return errorcode.Error, err
	}
	if err := a.snapshots.InitiateMerge(ctx); err != nil {
		return errorcode.Error, err
	}
	a.onProgress(StateMerging)
	slog.Info("otaengine: merge initiated", "update_id", st.UpdateID)
	return a.merge(ctx)
}

var errSlotNotSuccessful = errors.New("dynamicpartition: slot not marked successful")

func (a *cleanupAction) waitForSlotSuccess(ctx context.Context, slot uint32) error {
	op := func() error {
		if a.boot.IsSlotMarkedSuccessful(slot) {
			return nil
		}
		return errSlotNotSuccessful
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = a.waitFor
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return fmt.Errorf("slot %d: %w", slot, err)
	}
	return nil
}

// mergeCheckpoint is the position of an interrupted merge.
type mergeCheckpoint struct {
	partition string
	cursor    int
}

func (a *cleanupAction) loadCheckpoint() (mergeCheckpoint, error) {
	name, found, err := a.prefs.GetString(prefs.KeyMergeStatePartition)
	if err != nil || !found {
		return mergeCheckpoint{}, err
	}
	cursor, _, err := a.prefs.GetInt64(prefs.KeyMergeStateCursor)
	if err != nil {
		return mergeCheckpoint{}, err
	}
	return mergeCheckpoint{partition: name, cursor: int(cursor)}, nil
}

// mergeChunk returns the chunk size of the running merge, recording the
// configured one when the merge has none yet. A re-applied chunk must cover
// the same plan range as the scratch file it replays.
func (a *cleanupAction) mergeChunk() (int, error) {
	stored, found, err := a.prefs.GetInt64(prefs.KeyMergeStateChunk)
	if err != nil {
		return 0, err
	}
	if found && stored > 0 {
		if int(stored) != a.chunk {
			slog.Info("otaengine: keeping merge chunk size of the running merge",
				"chunk", stored, "configured", a.chunk)
		}
		return int(stored), nil
	}
	if err := a.prefs.SetInt64(prefs.KeyMergeStateChunk, int64(a.chunk)); err != nil {
		return 0, err
	}
	return a.chunk, nil
}

func (a *cleanupAction) saveCheckpoint(cp mergeCheckpoint) error {
	if err := a.prefs.StartTransaction(); err != nil {
		return err
	}
	err := a.prefs.SetString(prefs.KeyMergeStatePartition, cp.partition)
	if err == nil {
		err = a.prefs.SetInt64(prefs.KeyMergeStateCursor, int64(cp.cursor))
	}
	if err == nil {
		err = a.prefs.SetString(prefs.KeyMergeStatePhase, mergePhase)
	}
	if err != nil {
		_ = a.prefs.CancelTransaction()
		return err
	}
	return a.prefs.SubmitTransaction()
}

// merge merges every snapshot in name order, resuming from the persisted
// checkpoint.
func (a *cleanupAction) merge(ctx context.Context) (errorcode.Code, error) {
	snaps, err := a.snapshots.ListSnapshots(ctx)
	if err != nil {
		return errorcode.Error, err
	}
	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	cp, err := a.loadCheckpoint()
	if err != nil {
		return errorcode.Error, err
	}
	chunk, err := a.mergeChunk()
	if err != nil {
		return errorcode.Error, err
	}
	first := 0
	if cp.partition != "" {
		first = sort.SearchStrings(names, cp.partition)
		if first == len(names) || names[first] != cp.partition {
			first, cp = 0, mergeCheckpoint{}
		}
	}
	if first > 0 || cp.cursor > 0 {
		slog.Info("otaengine: resuming merge", "partition", cp.partition, "cursor", cp.cursor)
	}

	for i := first; i < len(names); i++ {
		start := 0
		if i == first {
			start = cp.cursor
		}
		if code, err := a.mergeOne(ctx, names, i, start, chunk); err != nil {
			return code, err
		}
	}

	if err := a.snapshots.CompleteMerge(ctx); err != nil {
		return errorcode.Error, err
	}
	if err := clearMergeCheckpoint(a.prefs); err != nil {
		return errorcode.Error, err
	}
	a.progress(1)
	a.onProgress(StateNoUpdate)
	slog.Info("otaengine: merge completed", "snapshots", len(names))
	return errorcode.Success, nil
}

func (a *cleanupAction) mergeOne(ctx context.Context, names []string, i, start, chunk int) (errorcode.Code, error) {
	name := names[i]
	m, err := a.snapshots.OpenMerge(ctx, name)
	if err != nil {
		return a.mergeFailure(ctx, name, err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("otaengine: close merge", "partition", name, "error", err)
		}
	}()
	n := m.Len()
	if start > n {
		return a.mergeFailure(ctx, name, fmt.Errorf("%w: cursor %d past %d blocks", snapshot.ErrCorrupted, start, n))
	}
	for cursor := start; cursor < n; {
		if err := ctx.Err(); err != nil {
			return errorcode.Error, err
		}
		end := min(cursor+chunk, n)
		written, err := m.Apply(ctx, cursor, end)
		if err != nil {
			return a.mergeFailure(ctx, name, err)
		}
		cursor = end
		if err := a.saveCheckpoint(mergeCheckpoint{partition: name, cursor: cursor}); err != nil {
			return errorcode.Error, err
		}
		progress := (float64(i) + float64(cursor)/float64(n)) / float64(len(names))
		a.metrics.ObserveMergeChunk(written, progress)
		a.progress(progress)
	}
	return errorcode.Success, nil
}

// mergeFailure marks the merge failed when the snapshot data is corrupted.
// Other failures leave the merge to be retried.
func (a *cleanupAction) mergeFailure(ctx context.Context, name string, err error) (errorcode.Code, error) {
	if !errors.Is(err, snapshot.ErrCorrupted) {
		return errorcode.Error, fmt.Errorf("merge %s: %w", name, err)
	}
	if merr := a.snapshots.MarkMergeFailed(ctx); merr != nil {
		slog.Error("otaengine: cannot record failed merge", "partition", name, "error", merr)
	}
	return errorcode.DeviceCorrupted, fmt.Errorf("merge %s: %w", name, err)
}

func (a *cleanupAction) progress(p float64) {
	if a.delegate != nil {
		a.delegate.OnCleanupProgressUpdate(p)
	}
}
