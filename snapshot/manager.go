package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/ksuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sync/errgroup"
)

// SpaceGranularity is the unit shortfalls are rounded up to.
const SpaceGranularity = 1 << 20

const cowSuffix = ".cow"

type Options struct {
	// Dir holds the snapshot files.
	Dir string
	// FreeSpace reports the free bytes of the file system holding dir.
	// Defaults to DiskFreeSpace.
	FreeSpace func(dir string) (uint64, error)
	// ReaderCacheSize is passed to snapshot readers.
	ReaderCacheSize int64
}

// DiskFreeSpace returns the bytes available to unprivileged users on the
// file system holding dir.
func DiskFreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Manager owns the update state and the snapshot files. Its methods may be
// called concurrently; state transitions are serialized through
// conditional writes of the state object.
type Manager struct {
	store *blobstore.Store
	opts  Options

	mu      sync.Mutex
	writers map[*cow.FileWriter]struct{}
}

func New(store *blobstore.Store, opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, errors.New("snapshot: dir is required")
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = DiskFreeSpace
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Manager{
		store:   store,
		opts:    opts,
		writers: make(map[*cow.FileWriter]struct{}),
	}, nil
}

func (m *Manager) Dir() string {
	return m.opts.Dir
}

func (m *Manager) cowPath(file string) string {
	return filepath.Join(m.opts.Dir, file)
}

// UpdateState returns the persisted status. A device that never started an
// update reports StateNone.
func (m *Manager) UpdateState(ctx context.Context) (Status, error) {
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	return *st, nil
}

// UpdateUsesCompression reports whether the pending update writes
// compressed snapshots.
func (m *Manager) UpdateUsesCompression(ctx context.Context) bool {
	st, err := m.UpdateState(ctx)
	if err != nil {
		return false
	}
	switch st.State {
	case StateInitiated, StateUnverified:
		return st.UsesCompression()
	}
	return false
}

func (m *Manager) readStatus(ctx context.Context) (*Status, string, error) {
	data, attr, err := m.store.Read(ctx, m.store.SnapshotStatePath())
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return &Status{State: StateNone}, "", nil
		}
		return nil, "", err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, "", fmt.Errorf("snapshot: decode state: %w", err)
	}
	return &st, attr.ETag, nil
}

// updateStatus applies fn to the current status and writes it back,
// retrying with backoff when another writer raced it.
func (m *Manager) updateStatus(ctx context.Context, fn func(*Status) error) (*Status, error) {
	var result *Status
	op := func() error {
		st, etag, err := m.readStatus(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(st); err != nil {
			return backoff.Permanent(err)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := m.store.WriteIfMatch(ctx, m.store.SnapshotStatePath(), data, etag); err != nil {
			if errors.Is(err, blobstore.ErrPreconditionFailed) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = st
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return result, nil
}

// BeginUpdate starts a new update attempt, removing leftovers of a
// cancelled or merged one.
func (m *Manager) BeginUpdate(ctx context.Context, opts BeginOptions) (Status, error) {
	if _, err := cow.ParseCompression(opts.Compression); err != nil {
		return Status{}, err
	}
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	if err := checkCanBegin(st.State); err != nil {
		return Status{}, err
	}
	if err := m.deleteSnapshots(ctx); err != nil {
		return Status{}, err
	}

	next, err := m.updateStatus(ctx, func(st *Status) error {
		if err := checkCanBegin(st.State); err != nil {
			return err
		}
		*st = Status{
			State:              StateInitiated,
			UpdateID:           ksuid.New().String(),
			SourceSlot:         opts.SourceSlot,
			TargetSlot:         opts.TargetSlot,
			Compression:        opts.Compression,
			XorEnabled:         opts.XorEnabled,
			UserspaceSnapshots: opts.UserspaceSnapshots,
		}
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	slog.Info("otaengine: snapshot update initiated", "update_id", next.UpdateID,
		"source_slot", opts.SourceSlot, "target_slot", opts.TargetSlot, "compression", opts.Compression)
	return *next, nil
}

func checkCanBegin(state State) error {
	switch state {
	case StateNone, StateCancelled, StateMergeCompleted:
		return nil
	case StateInitiated, StateUnverified:
		return ErrUpdateInProgress
	case StateMerging:
		return ErrMergeInProgress
	default:
		return fmt.Errorf("%w: %s", ErrWrongState, state)
	}
}

// CreateUpdateSnapshots creates an empty snapshot per plan. When the
// estimated sizes exceed the free space nothing is created and the error
// is an *InsufficientSpaceError. A failure removes every snapshot created
// by the call.
func (m *Manager) CreateUpdateSnapshots(ctx context.Context, plans []Plan) error {
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return err
	}
	if st.State != StateInitiated {
		return fmt.Errorf("%w: create snapshots in %s", ErrWrongState, st.State)
	}
	compression, err := cow.ParseCompression(st.Compression)
	if err != nil {
		return err
	}

	if err := m.CheckSpace(plans); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range plans {
		g.Go(func() error {
			return m.createSnapshot(gctx, st.UpdateID, compression, plan)
		})
	}
	if err := g.Wait(); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		for _, plan := range plans {
			if derr := m.deleteSnapshot(ctx, plan.Name); derr != nil {
				result = multierror.Append(result, derr)
			}
		}
		return result.ErrorOrNil()
	}
	return nil
}

// RequiredSpace estimates the bytes plans will occupy.
func RequiredSpace(plans []Plan) uint64 {
	var need uint64
	for _, p := range plans {
		need += p.CowSize
	}
	return need
}

// CheckSpace reports an *InsufficientSpaceError when plans do not fit in
// the free space of the snapshot directory.
func (m *Manager) CheckSpace(plans []Plan) error {
	need := RequiredSpace(plans)
	free, err := m.opts.FreeSpace(m.opts.Dir)
	if err != nil {
		return fmt.Errorf("snapshot: free space of %s: %w", m.opts.Dir, err)
	}
	if need <= free {
		return nil
	}
	short := need - free
	return &InsufficientSpaceError{
		Needed:   need,
		Free:     free,
		Required: (short + SpaceGranularity - 1) / SpaceGranularity * SpaceGranularity,
	}
}

func (m *Manager) createSnapshot(ctx context.Context, updateID string, compression cow.Compression, plan Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	status := SnapshotStatus{
		Name:             plan.Name,
		UpdateID:         updateID,
		DeviceSize:       plan.DeviceSize,
		EstimatedCowSize: plan.CowSize,
		CowFile:          plan.Name + cowSuffix,
		Base:             plan.Base,
	}
	w, err := cow.OpenWriter(m.cowPath(status.CowFile), cow.WriterOptions{
		Compression: compression,
		DeviceSize:  plan.DeviceSize,
	})
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", plan.Name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("snapshot %s: %w", plan.Name, err)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if _, err := m.store.Write(ctx, m.store.SnapshotStatusPath(plan.Name), data); err != nil {
		return fmt.Errorf("snapshot %s: write status: %w", plan.Name, err)
	}
	return nil
}

// Snapshot returns the status of the named snapshot.
func (m *Manager) Snapshot(ctx context.Context, name string) (SnapshotStatus, error) {
	data, _, err := m.store.Read(ctx, m.store.SnapshotStatusPath(name))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return SnapshotStatus{}, fmt.Errorf("%w: %s", ErrNoSuchSnapshot, name)
		}
		return SnapshotStatus{}, err
	}
	var s SnapshotStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return SnapshotStatus{}, fmt.Errorf("snapshot %s: decode status: %w", name, err)
	}
	return s, nil
}

// ListSnapshots returns every snapshot sorted by name.
func (m *Manager) ListSnapshots(ctx context.Context) ([]SnapshotStatus, error) {
	objects, err := m.store.ListSnapshotStatus(ctx)
	if err != nil {
		return nil, err
	}
	var out []SnapshotStatus
	for _, obj := range objects {
		if obj.IsDir {
			continue
		}
		data, _, err := m.store.Read(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		var s SnapshotStatus
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("snapshot: decode %s: %w", obj.Key, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// OpenSnapshotWriter opens the writer of a snapshot of the running update.
// The writer stops accepting data once the update finishes or is
// cancelled; the caller still closes it.
func (m *Manager) OpenSnapshotWriter(ctx context.Context, name string, opts WriterOptions) (*cow.FileWriter, error) {
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return nil, err
	}
	if st.State != StateInitiated {
		return nil, fmt.Errorf("%w: open writer in %s", ErrWrongState, st.State)
	}
	snap, err := m.Snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	compression, err := cow.ParseCompression(st.Compression)
	if err != nil {
		return nil, err
	}
	w, err := cow.OpenWriter(m.cowPath(snap.CowFile), cow.WriterOptions{
		Compression:     compression,
		DeviceSize:      snap.DeviceSize,
		Append:          opts.Append,
		Label:           opts.Label,
		ReaderCacheSize: m.opts.ReaderCacheSize,
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.writers[w] = struct{}{}
	m.mu.Unlock()
	w.OnClose(func() { m.forgetWriter(w) })
	return w, nil
}

func (m *Manager) forgetWriter(w *cow.FileWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.writers, w)
}

func (m *Manager) invalidateWriters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for w := range m.writers {
		w.Invalidate()
	}
	clear(m.writers)
}

// SnapshotTable returns the device table presenting the snapshot view of
// name over its base partition.
func (m *Manager) SnapshotTable(ctx context.Context, name, deviceName string) (SnapshotStatus, error) {
	snap, err := m.Snapshot(ctx, name)
	if err != nil {
		return SnapshotStatus{}, err
	}
	snap.Base.Name = deviceName
	snap.Base.SnapshotPath = m.cowPath(snap.CowFile)
	return snap, nil
}

// CowUsage is the total size of the snapshot files on disk.
func (m *Manager) CowUsage(ctx context.Context) (uint64, error) {
	snaps, err := m.ListSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, s := range snaps {
		info, err := os.Stat(m.cowPath(s.CowFile))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += uint64(info.Size())
	}
	return total, nil
}

// FinishedSnapshotWrites seals the snapshots of the running update. From
// here on the target slot boots from the snapshot view.
func (m *Manager) FinishedSnapshotWrites(ctx context.Context, wipe bool, bootID string) error {
	m.invalidateWriters()
	_, err := m.updateStatus(ctx, func(st *Status) error {
		switch st.State {
		case StateInitiated:
		case StateUnverified:
			return nil
		default:
			return fmt.Errorf("%w: finish writes in %s", ErrWrongState, st.State)
		}
		st.State = StateUnverified
		st.WipeRequired = wipe
		st.FinishedBootID = bootID
		return nil
	})
	return err
}

// InitiateMerge moves an unverified update into merging. Calling it again
// while merging is a no-op.
func (m *Manager) InitiateMerge(ctx context.Context) error {
	_, err := m.updateStatus(ctx, func(st *Status) error {
		switch st.State {
		case StateUnverified:
			st.State = StateMerging
			return nil
		case StateMerging:
			return nil
		default:
			return fmt.Errorf("%w: initiate merge in %s", ErrWrongState, st.State)
		}
	})
	return err
}

// CompleteMerge records the end of a merge and deletes the snapshots.
func (m *Manager) CompleteMerge(ctx context.Context) error {
	_, err := m.updateStatus(ctx, func(st *Status) error {
		switch st.State {
		case StateMerging, StateMergeCompleted:
			st.State = StateMergeCompleted
			return nil
		default:
			return fmt.Errorf("%w: complete merge in %s", ErrWrongState, st.State)
		}
	})
	if err != nil {
		return err
	}
	if err := m.deleteSnapshots(ctx); err != nil {
		return err
	}
	_, err = m.updateStatus(ctx, func(st *Status) error {
		*st = Status{State: StateNone}
		return nil
	})
	return err
}

func (m *Manager) MarkMergeFailed(ctx context.Context) error {
	_, err := m.updateStatus(ctx, func(st *Status) error {
		if st.State != StateMerging {
			return fmt.Errorf("%w: mark merge failed in %s", ErrWrongState, st.State)
		}
		st.State = StateMergeFailed
		return nil
	})
	return err
}

// CancelUpdate discards the snapshots and the update state. Without force
// a merge in progress is refused, since the base partitions are already
// partly rewritten.
func (m *Manager) CancelUpdate(ctx context.Context, force bool) error {
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return err
	}
	if st.State == StateMerging && !force {
		return ErrMergeInProgress
	}
	if st.State == StateMerging {
		slog.Warn("otaengine: discarding snapshots while merge is in progress", "update_id", st.UpdateID)
	}
	m.invalidateWriters()
	if err := m.deleteSnapshots(ctx); err != nil {
		return err
	}
	_, err = m.updateStatus(ctx, func(st *Status) error {
		if st.State == StateNone {
			return nil
		}
		*st = Status{State: StateCancelled, UpdateID: st.UpdateID}
		return nil
	})
	return err
}

func (m *Manager) deleteSnapshot(ctx context.Context, name string) error {
	var result *multierror.Error
	for _, file := range []string{name + cowSuffix, name + scratchSuffix} {
		if err := os.Remove(m.cowPath(file)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	if err := m.store.Delete(ctx, m.store.SnapshotStatusPath(name)); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// deleteSnapshots removes every snapshot status and snapshot file,
// including files whose status was never written.
func (m *Manager) deleteSnapshots(ctx context.Context) error {
	snaps, err := m.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	var result *multierror.Error
	var names []string
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	entries, err := os.ReadDir(m.opts.Dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		result = multierror.Append(result, err)
	}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), cowSuffix); ok && name != "" && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	for _, name := range names {
		if err := m.deleteSnapshot(ctx, name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
