// Package persistence writes versioned JSON snapshots of engine state and
// restores them on startup.
package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"simtrader/internal/engine"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion uint32 = 1

const (
	filePrefix = "snapshot_"
	fileSuffix = ".snapshot.json"
)

// SnapshotMeta identifies a snapshot.
type SnapshotMeta struct {
	Version     uint32 `json:"version"`
	TimestampNs int64  `json:"timestamp_ns"`
	SequenceNum uint64 `json:"sequence_num"`
}

// StateSnapshot is the durable image of the ledger. Meta fields are flattened
// into the top level of the file.
type StateSnapshot struct {
	SnapshotMeta
	Price        float64          `json:"price"`
	VenueCounter uint64           `json:"venue_counter"`
	Balances     []engine.Balance `json:"balances"`
}

// Source is read when a snapshot is created.
type Source interface {
	SnapshotBalances() []engine.Balance
	Price() float64
	VenueCounter() uint64
}

// Restorer receives restored state.
type Restorer interface {
	SetPrice(p float64)
	RestoreBalances(balances []engine.Balance)
	RestoreVenueCounter(n uint64)
}

// RestoreMode selects how much of a snapshot RestoreState applies.
type RestoreMode string

const (
	// RestorePriceOnly reapplies the mark price only.
	RestorePriceOnly RestoreMode = "price"
	// RestoreFull also reapplies balances and the venue order counter.
	RestoreFull RestoreMode = "full"
)

// ParseRestoreMode maps a config value to a RestoreMode. Empty means price-only.
func ParseRestoreMode(s string) (RestoreMode, error) {
	switch RestoreMode(strings.ToLower(s)) {
	case "", RestorePriceOnly:
		return RestorePriceOnly, nil
	case RestoreFull:
		return RestoreFull, nil
	}
	return "", fmt.Errorf("invalid restore mode: %q", s)
}

// Config locates and bounds the snapshot directory.
type Config struct {
	Dir          string
	MaxSnapshots int // 0 keeps every snapshot
}

// StatePersistence owns the snapshot directory.
type StatePersistence struct {
	cfg    Config
	logger *zap.Logger

	seqMu   sync.Mutex
	lastSeq uint64

	runMu sync.Mutex
	stop  chan struct{} // non-nil while the periodic loop runs
	wg    sync.WaitGroup
}

func NewStatePersistence(cfg Config, logger *zap.Logger) *StatePersistence {
	return &StatePersistence{
		cfg:    cfg,
		logger: logger,
	}
}

// FileName returns the snapshot file name for seq.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%010d%s", filePrefix, seq, fileSuffix)
}

// ParseFileName extracts the sequence number from a snapshot file name. Only
// names FileName would produce are accepted, so snapshot_99.snapshot.json is
// not a snapshot.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil || FileName(seq) != name {
		return 0, false
	}
	return seq, true
}

// Initialize creates the snapshot directory and recovers the last sequence
// number from existing file names.
func (p *StatePersistence) Initialize() error {
	if err := os.MkdirAll(p.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	seqs, err := p.ListSnapshots()
	if err != nil {
		return err
	}

	var last uint64
	if len(seqs) > 0 {
		last = seqs[len(seqs)-1]
	}

	p.seqMu.Lock()
	p.lastSeq = last
	p.seqMu.Unlock()

	p.logger.Info("snapshot store initialized",
		zap.String("dir", p.cfg.Dir),
		zap.Int("existing", len(seqs)),
		zap.Uint64("last_sequence", last),
	)
	return nil
}

// LastSequence is the highest sequence number reserved, saved or found on disk.
func (p *StatePersistence) LastSequence() uint64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	return p.lastSeq
}

// ListSnapshots returns the sequence numbers on disk in ascending order.
// Files whose names do not parse are skipped.
func (p *StatePersistence) ListSnapshots() ([]uint64, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot directory: %w", err)
	}

	var seqs []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if seq, ok := ParseFileName(entry.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// CreateSnapshot reserves the next sequence number and captures src under it.
// Concurrent callers always get distinct numbers, in capture order. A
// snapshot that is never saved leaves a gap.
func (p *StatePersistence) CreateSnapshot(src Source) StateSnapshot {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	p.lastSeq++
	return StateSnapshot{
		SnapshotMeta: SnapshotMeta{
			Version:     SnapshotVersion,
			TimestampNs: time.Now().UnixNano(),
			SequenceNum: p.lastSeq,
		},
		Price:        src.Price(),
		VenueCounter: src.VenueCounter(),
		Balances:     src.SnapshotBalances(),
	}
}

// SaveSnapshot writes snap and prunes snapshots beyond the retention count.
// Failures are logged and returned; in-memory state is never affected.
func (p *StatePersistence) SaveSnapshot(snap StateSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("failed to encode snapshot", zap.Uint64("sequence", snap.SequenceNum), zap.Error(err))
		return fmt.Errorf("encode snapshot: %w", err)
	}

	p.seqMu.Lock()
	if snap.SequenceNum > p.lastSeq {
		p.lastSeq = snap.SequenceNum
	}
	p.seqMu.Unlock()

	path := filepath.Join(p.cfg.Dir, FileName(snap.SequenceNum))
	if err := writeFileAtomic(path, data); err != nil {
		p.logger.Error("failed to write snapshot", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("write snapshot: %w", err)
	}
	p.logger.Debug("snapshot saved", zap.Uint64("sequence", snap.SequenceNum), zap.String("path", path))

	if err := p.prune(); err != nil {
		p.logger.Warn("failed to prune snapshots", zap.Error(err))
	}
	return nil
}

// LoadLatestSnapshot returns the newest readable snapshot. A corrupt newer
// file falls back to the next older one.
func (p *StatePersistence) LoadLatestSnapshot() (StateSnapshot, bool) {
	seqs, err := p.ListSnapshots()
	if err != nil {
		p.logger.Warn("failed to list snapshots", zap.Error(err))
		return StateSnapshot{}, false
	}

	for i := len(seqs) - 1; i >= 0; i-- {
		if snap, ok := p.LoadSnapshot(seqs[i]); ok {
			return snap, true
		}
	}
	return StateSnapshot{}, false
}

// LoadSnapshot reads one snapshot by sequence number. Unreadable or malformed
// files resolve to false.
func (p *StatePersistence) LoadSnapshot(seq uint64) (StateSnapshot, bool) {
	path := filepath.Join(p.cfg.Dir, FileName(seq))
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("failed to read snapshot", zap.String("path", path), zap.Error(err))
		return StateSnapshot{}, false
	}

	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		p.logger.Warn("failed to decode snapshot", zap.String("path", path), zap.Error(err))
		return StateSnapshot{}, false
	}
	if snap.Version == 0 || snap.Version > SnapshotVersion {
		p.logger.Warn("unsupported snapshot version", zap.String("path", path), zap.Uint32("version", snap.Version))
		return StateSnapshot{}, false
	}
	return snap, true
}

// RestoreState applies snap to dst. RestorePriceOnly sets the mark price only;
// RestoreFull also replaces balances and raises the venue order counter.
func (p *StatePersistence) RestoreState(snap StateSnapshot, dst Restorer, mode RestoreMode) {
	dst.SetPrice(snap.Price)
	if mode == RestoreFull {
		dst.RestoreBalances(snap.Balances)
		dst.RestoreVenueCounter(snap.VenueCounter)
	}
	p.logger.Info("state restored from snapshot",
		zap.Uint64("sequence", snap.SequenceNum),
		zap.String("mode", string(mode)),
		zap.Float64("price", snap.Price),
	)
}

// StartPeriodicSnapshots saves a snapshot of src every interval until ctx is
// done or StopPeriodicSnapshots is called. Save failures are logged and the
// loop carries on. Starting while a loop is running is a no-op.
func (p *StatePersistence) StartPeriodicSnapshots(ctx context.Context, interval time.Duration, src Source) {
	p.runMu.Lock()
	if p.stop != nil {
		p.runMu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.runMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.clearRun(stop)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		p.logger.Info("periodic snapshots started", zap.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("periodic snapshots stopped", zap.Error(ctx.Err()))
				return
			case <-stop:
				p.logger.Info("periodic snapshots stopped")
				return
			case <-ticker.C:
			}

			snap := p.CreateSnapshot(src)
			if err := p.SaveSnapshot(snap); err != nil {
				p.logger.Warn("periodic snapshot failed", zap.Uint64("sequence", snap.SequenceNum), zap.Error(err))
			}
		}
	}()
}

// StopPeriodicSnapshots signals the loop to exit. Use Wait to join it.
func (p *StatePersistence) StopPeriodicSnapshots() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// Running reports whether the periodic loop is active.
func (p *StatePersistence) Running() bool {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.stop != nil
}

// Wait blocks until the periodic loop has exited.
func (p *StatePersistence) Wait() {
	p.wg.Wait()
}

// clearRun forgets stop if it still belongs to the current loop.
func (p *StatePersistence) clearRun(stop chan struct{}) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stop == stop {
		p.stop = nil
	}
}

// prune deletes the oldest snapshots beyond MaxSnapshots, ordered by
// sequence number.
func (p *StatePersistence) prune() error {
	if p.cfg.MaxSnapshots <= 0 {
		return nil
	}

	seqs, err := p.ListSnapshots()
	if err != nil {
		return err
	}
	if len(seqs) <= p.cfg.MaxSnapshots {
		return nil
	}

	for _, seq := range seqs[:len(seqs)-p.cfg.MaxSnapshots] {
		name := FileName(seq)
		if err := os.Remove(filepath.Join(p.cfg.Dir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		p.logger.Debug("snapshot pruned", zap.String("file", name))
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers never see a partial snapshot.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
