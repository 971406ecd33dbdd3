package segmentstore

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/anagarwa/nodestore/entities/cyclemanager"
	"github.com/anagarwa/nodestore/entities/segstore"
)

// gcState names one position in the per-cycle state machine of spec.md
// §4.8: Idle -> Estimating -> Compacting -> (Retry|Force|Abort) -> Cleaning -> Idle.
type gcState int32

const (
	gcIdle gcState = iota
	gcEstimating
	gcCompacting
	gcRetrying
	gcForcing
	gcAborted
	gcCleaning
)

func (s gcState) String() string {
	switch s {
	case gcIdle:
		return "idle"
	case gcEstimating:
		return "estimating"
	case gcCompacting:
		return "compacting"
	case gcRetrying:
		return "retrying"
	case gcForcing:
		return "forcing"
	case gcAborted:
		return "aborted"
	case gcCleaning:
		return "cleaning"
	default:
		return "unknown"
	}
}

// gcMetrics mirrors the teacher's nil-safe prometheus gauges in
// segment_group_compaction.go: every call site guards on m == nil so a
// GC can be constructed without a registry in tests.
type gcMetrics struct {
	phaseDuration   *prometheus.HistogramVec
	reclaimedBytes  prometheus.Counter
	generationGauge prometheus.Gauge
	skipped         *prometheus.CounterVec
}

// NewGCMetrics registers the garbage collector's prometheus series
// against reg. Pass a nil *gcMetrics to NewGC to disable metrics
// entirely.
func NewGCMetrics(reg prometheus.Registerer) (*gcMetrics, error) {
	m := &gcMetrics{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "nodestore_gc_phase_duration_seconds",
			Help: "Duration of each garbage collection phase.",
		}, []string{"phase"}),
		reclaimedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nodestore_gc_reclaimed_bytes_total",
			Help: "Cumulative bytes reclaimed by cleanup.",
		}),
		generationGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nodestore_gc_generation",
			Help: "Current GC generation.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nodestore_gc_skipped_total",
			Help: "Count of garbage collection cycles skipped, by reason.",
		}, []string{"reason"}),
	}
	for _, c := range []prometheus.Collector{m.phaseDuration, m.reclaimedBytes, m.generationGauge, m.skipped} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register gc metric")
		}
	}
	return m, nil
}

// GC implements the generational compaction and cleanup cycle of
// spec.md §4.8 on top of a FileStore.
type GC struct {
	store   *FileStore
	opts    segstore.GCOptions
	monitor segstore.GCMonitor
	logger  logrus.FieldLogger
	metrics *gcMetrics

	mu         sync.Mutex
	state      gcState
	generation uint32

	cancelled    atomic.Bool
	diskSpaceLow atomic.Bool

	// rwLock is taken on its write side by forceAfterFail compaction
	// (forceCompact). No commit path takes its read side: ordinary
	// SetHead calls do not go through rwLock and are not held off while
	// a forced compaction runs.
	rwLock sync.RWMutex

	flushWorker    cyclemanager.CycleManager
	compactTrigger *cyclemanager.TriggeredTicker
	compactWorker  cyclemanager.CycleManager
	diskWorker     cyclemanager.CycleManager

	// extraRoots and onRootsRemapped let a collaborator (NodeStore's
	// checkpoints) ride along with head compaction: every extra root is
	// copied through the same memo as the head, so a checkpoint taken
	// with no changes since collapses onto the exact record id the head
	// copies to, and stays reachable through cleanup's reference walk.
	extraRoots      func() []segstore.RecordID
	onRootsRemapped func(map[segstore.RecordID]segstore.RecordID)
}

// SetExtraRootsProvider registers a callback returning additional record
// ids (beyond the head) that must survive compaction and cleanup.
func (gc *GC) SetExtraRootsProvider(f func() []segstore.RecordID) {
	gc.extraRoots = f
}

// SetRootsRemappedHook registers a callback invoked with the old->new
// record id mapping for every extra root, once per successful compaction.
func (gc *GC) SetRootsRemappedHook(f func(map[segstore.RecordID]segstore.RecordID)) {
	gc.onRootsRemapped = f
}

func (gc *GC) extraRootIDs() []segstore.RecordID {
	if gc.extraRoots == nil {
		return nil
	}
	return gc.extraRoots()
}

// NewGC constructs a GC bound to store. metrics may be nil.
func NewGC(store *FileStore, opts segstore.GCOptions, monitor segstore.GCMonitor, logger logrus.FieldLogger, metrics *gcMetrics) *GC {
	if monitor == nil {
		monitor = segstore.NoopMonitor{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gc := &GC{
		store:   store,
		opts:    opts,
		monitor: monitor,
		logger:  logger.WithField("component", "segment_gc"),
		metrics: metrics,
	}

	gc.compactTrigger = cyclemanager.NewTriggeredTicker()
	gc.flushWorker = cyclemanager.New(cyclemanager.FlushCycleTicker(), gc.flushCycle)
	gc.compactWorker = cyclemanager.New(gc.compactTrigger, gc.compactCycle)
	gc.diskWorker = cyclemanager.New(cyclemanager.DiskSpaceCycleTicker(), gc.diskSpaceCycle)

	return gc
}

// Start begins the three background workers named in spec.md §4.8/§5:
// flush every 5s, compaction on trigger, disk-space probe every minute.
func (gc *GC) Start() {
	gc.flushWorker.Start()
	gc.compactWorker.Start()
	gc.diskWorker.Start()
}

// StopAndWait stops all three background workers, joining them at one
// point as spec.md §5's concurrency model requires before the store
// lock is released.
func (gc *GC) StopAndWait(ctx context.Context) error {
	if err := gc.flushWorker.StopAndWait(ctx); err != nil {
		return err
	}
	if err := gc.compactWorker.StopAndWait(ctx); err != nil {
		return err
	}
	return gc.diskWorker.StopAndWait(ctx)
}

// Trigger schedules a compaction cycle to run as soon as the background
// worker is ready for it; gc() in spec.md §4.6 terms.
func (gc *GC) Trigger() {
	gc.compactTrigger.Trigger()
}

// cancelErr reports the reason compaction stopped early: the disk-space
// probe's sentinel if that is what tripped gc.cancelled, otherwise the
// generic cancellation error.
func (gc *GC) cancelErr() error {
	if gc.diskSpaceLow.Load() {
		return segstore.ErrDiskSpaceLow
	}
	return segstore.ErrCancelled
}

// isCancellation reports whether err represents compaction stopping early
// rather than failing, covering both cancelErr outcomes.
func isCancellation(err error) bool {
	return errors.Is(err, segstore.ErrCancelled) || errors.Is(err, segstore.ErrDiskSpaceLow)
}

func (gc *GC) setState(s gcState) {
	gc.mu.Lock()
	gc.state = s
	gc.mu.Unlock()
}

// State reports the GC's current position in its state machine.
func (gc *GC) State() gcState {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.state
}

func (gc *GC) flushCycle(shouldBreak cyclemanager.ShouldBreakFunc) bool {
	if err := gc.store.Flush(); err != nil {
		gc.monitor.Error(err, "flush cycle failed")
		return false
	}
	return true
}

func (gc *GC) compactCycle(shouldBreak cyclemanager.ShouldBreakFunc) bool {
	ctx := context.Background()
	if err := gc.Compact(ctx); err != nil && !isCancellation(err) {
		gc.monitor.Error(err, "compaction cycle failed")
		return false
	}
	return true
}

func (gc *GC) diskSpaceCycle(shouldBreak cyclemanager.ShouldBreakFunc) bool {
	repoSize := gc.store.approximateSize()
	available := gc.store.availableDiskSpace()
	if !gc.opts.IsDiskSpaceSufficient(repoSize, available) {
		gc.diskSpaceLow.Store(true)
		gc.cancelled.Store(true)
		gc.monitor.Error(segstore.ErrDiskSpaceLow, "repository=%d available=%d", repoSize, available)
		return true
	}
	gc.diskSpaceLow.Store(false)
	gc.cancelled.Store(false)
	return false
}

// Compact runs Phase A (estimate, compact, retry/force) inline and, once
// a compaction has been set as the head, Phase B (Cleanup); the
// compact() operation of spec.md §4.6.
func (gc *GC) Compact(ctx context.Context) error {
	if gc.opts.Paused {
		gc.monitor.Skipped("paused")
		gc.recordSkip("paused")
		return nil
	}

	gc.setState(gcEstimating)
	skip, err := gc.estimate()
	if err != nil {
		gc.setState(gcIdle)
		return errors.Wrap(err, "estimate reclaimable bytes")
	}
	if skip {
		gc.monitor.Skipped("gain below threshold")
		gc.recordSkip("gain_below_threshold")
		gc.setState(gcIdle)
		return nil
	}

	gc.setState(gcCompacting)
	timer := gc.startTimer("compact")
	newHead, fromGen, toGen, err := gc.compactAndSwap(ctx)
	timer()
	if err != nil {
		if isCancellation(err) {
			gc.setState(gcAborted)
			gc.monitor.Info("compaction cancelled: %v", err)
			return err
		}
		gc.setState(gcIdle)
		return errors.Wrap(err, "compact")
	}
	if toGen == 0 {
		// forceCompact timed out on rwLock and already reported the skip.
		gc.setState(gcIdle)
		return nil
	}

	gc.monitor.Compacted(fromGen, toGen)
	gc.store.tracker.Sweep(func(id segstore.ID) bool {
		gen, ok := gc.store.segmentGeneration(id)
		return ok && gen < uint32(toGen)
	})
	_ = newHead

	gc.setState(gcCleaning)
	reclaimed, err := gc.Cleanup()
	if err != nil {
		gc.setState(gcIdle)
		return errors.Wrap(err, "cleanup")
	}
	gc.monitor.Cleaned(reclaimed)

	gc.setState(gcIdle)
	return nil
}

func (gc *GC) startTimer(phase string) func() {
	start := time.Now()
	return func() {
		if gc.metrics != nil {
			gc.metrics.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
		}
	}
}

func (gc *GC) recordSkip(reason string) {
	if gc.metrics != nil {
		gc.metrics.skipped.WithLabelValues(reason).Inc()
	}
}

// estimate implements Phase A step 1: scan readers counting reachable
// vs total bytes from the current head, skipping the cycle if the
// reclaimable percentage falls below GainThreshold.
func (gc *GC) estimate() (skip bool, err error) {
	head, ok := gc.store.GetHead()
	if !ok {
		return true, nil
	}

	reachable := map[segstore.ID]struct{}{}
	if err := gc.walkReachable(head.Segment, reachable); err != nil {
		return false, err
	}
	for _, root := range gc.extraRootIDs() {
		if err := gc.walkReachable(root.Segment, reachable); err != nil {
			return false, err
		}
	}

	var reachableBytes, totalBytes int64
	gc.store.mu.RLock()
	for _, r := range gc.store.readers {
		for _, id := range r.Ids() {
			size := gc.store.entrySizeLocked(id)
			totalBytes += size
			if _, ok := reachable[id]; ok {
				reachableBytes += size
			}
		}
	}
	gc.store.mu.RUnlock()

	if totalBytes == 0 {
		return true, nil
	}

	reclaimablePct := int(100 * (totalBytes - reachableBytes) / totalBytes)
	return reclaimablePct < gc.opts.GainThreshold, nil
}

// walkReachable marks every segment id transitively reachable from
// start via each archive reader's stored reference graph, used by the
// estimator. It is a coarse segment-level reachability scan, not a
// record-level tree walk, matching spec.md §4.8's estimator description.
func (gc *GC) walkReachable(start segstore.ID, seen map[segstore.ID]struct{}) error {
	stack := []segstore.ID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		refs, ok := gc.store.segmentRefs(id)
		if !ok {
			continue
		}
		stack = append(stack, refs...)
	}
	return nil
}

// compactAndSwap runs one full compact-then-CAS-then-rebase cycle, up
// to opts.RetryCount times, falling back to an exclusive forced commit
// if ForceAfterFail is set, per spec.md §4.8 Phase A steps 2-5.
func (gc *GC) compactAndSwap(ctx context.Context) (newHead segstore.RecordID, fromGen, toGen int, err error) {
	head, ok := gc.store.GetHead()
	if !ok {
		return segstore.RecordID{}, 0, 0, errors.New("no head to compact")
	}

	fromGen = int(gc.currentGeneration())
	nextGen := uint32(fromGen) + 1

	memo := newCopyMemo()
	for attempt := 0; attempt <= gc.opts.RetryCount; attempt++ {
		if gc.cancelled.Load() {
			return segstore.RecordID{}, 0, 0, gc.cancelErr()
		}

		key := writerKey{Purpose: PurposeCompaction, Generation: nextGen, Caller: "compactor"}
		newRoot, err := gc.copyNode(ctx, key, head, memo)
		if err != nil {
			return segstore.RecordID{}, 0, 0, err
		}
		remapped, err := gc.copyExtraRoots(ctx, key, memo)
		if err != nil {
			return segstore.RecordID{}, 0, 0, err
		}
		if err := gc.store.pool.FlushOne(key); err != nil {
			return segstore.RecordID{}, 0, 0, err
		}

		ok, err := gc.store.SetHead(newRoot, head, true)
		if err != nil {
			return segstore.RecordID{}, 0, 0, err
		}
		if ok {
			gc.setGeneration(nextGen)
			if gc.onRootsRemapped != nil {
				gc.onRootsRemapped(remapped)
			}
			return newRoot, fromGen, int(nextGen), nil
		}

		// Rebase: somebody else committed. Compact the new head against
		// our already-copied generation and retry.
		gc.setState(gcRetrying)
		newHeadCandidate, ok := gc.store.GetHead()
		if !ok {
			return segstore.RecordID{}, 0, 0, errors.New("head disappeared during rebase")
		}
		head = newHeadCandidate
	}

	if !gc.opts.ForceAfterFail {
		return segstore.RecordID{}, 0, 0, segstore.ErrCommitConflict
	}

	gc.setState(gcForcing)
	return gc.forceCompact(ctx, nextGen, memo)
}

// forceCompact acquires the exclusive side of rwLock, waiting up to
// LockWaitTime, and performs one last compact+setHead under it. Failure
// to acquire the lock within the deadline is a non-fatal skip, per
// spec.md §4.8 Phase A step 5.
func (gc *GC) forceCompact(ctx context.Context, nextGen uint32, memo *copyMemo) (segstore.RecordID, int, int, error) {
	acquired := make(chan struct{})
	go func() {
		gc.rwLock.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		defer gc.rwLock.Unlock()
	case <-time.After(gc.opts.LockWaitTime):
		gc.monitor.Skipped("force-compact lock timeout")
		gc.recordSkip("force_lock_timeout")
		return segstore.RecordID{}, 0, 0, nil
	}

	head, ok := gc.store.GetHead()
	if !ok {
		return segstore.RecordID{}, 0, 0, errors.New("no head to force-compact")
	}
	fromGen := int(gc.currentGeneration())

	key := writerKey{Purpose: PurposeCompaction, Generation: nextGen, Caller: "compactor-force"}
	newRoot, err := gc.copyNode(ctx, key, head, memo)
	if err != nil {
		return segstore.RecordID{}, 0, 0, err
	}
	remapped, err := gc.copyExtraRoots(ctx, key, memo)
	if err != nil {
		return segstore.RecordID{}, 0, 0, err
	}
	if err := gc.store.pool.FlushOne(key); err != nil {
		return segstore.RecordID{}, 0, 0, err
	}

	ok2, err := gc.store.SetHead(newRoot, head, true)
	if err != nil {
		return segstore.RecordID{}, 0, 0, err
	}
	if !ok2 {
		return segstore.RecordID{}, 0, 0, segstore.ErrCommitConflict
	}
	gc.setGeneration(nextGen)
	if gc.onRootsRemapped != nil {
		gc.onRootsRemapped(remapped)
	}
	return newRoot, fromGen, int(nextGen), nil
}

// copyExtraRoots copies every registered extra root (e.g. checkpoints)
// through memo, the same cache compactAndSwap's head copy uses, so a
// root that is structurally identical to the head (nothing changed
// since it was taken) collapses onto the same new record id.
func (gc *GC) copyExtraRoots(ctx context.Context, key writerKey, memo *copyMemo) (map[segstore.RecordID]segstore.RecordID, error) {
	roots := gc.extraRootIDs()
	if len(roots) == 0 {
		return nil, nil
	}
	remapped := make(map[segstore.RecordID]segstore.RecordID, len(roots))
	for _, old := range roots {
		new, err := gc.copyNode(ctx, key, old, memo)
		if err != nil {
			return nil, err
		}
		remapped[old] = new
	}
	return remapped, nil
}

func (gc *GC) currentGeneration() uint32 {
	return atomic.LoadUint32(&gc.generation)
}

func (gc *GC) setGeneration(g uint32) {
	atomic.StoreUint32(&gc.generation, g)
	if gc.metrics != nil {
		gc.metrics.generationGauge.Set(float64(g))
	}
}

// copyMemo tracks old-record-id -> new-record-id so structurally shared
// records (e.g. one STRING referenced by many nodes) are emitted into
// the new generation exactly once, per spec.md §4.8 step 3's structural
// sharing requirement.
type copyMemo struct {
	templates map[segstore.RecordID]segstore.RecordID
	props     map[segstore.RecordID]segstore.RecordID
	strings   map[segstore.RecordID]segstore.RecordID
	values    map[segstore.RecordID]segstore.RecordID
	maps      map[segstore.RecordID]segstore.RecordID
	nodes     map[segstore.RecordID]segstore.RecordID
}

func newCopyMemo() *copyMemo {
	return &copyMemo{
		templates: map[segstore.RecordID]segstore.RecordID{},
		props:     map[segstore.RecordID]segstore.RecordID{},
		strings:   map[segstore.RecordID]segstore.RecordID{},
		values:    map[segstore.RecordID]segstore.RecordID{},
		maps:      map[segstore.RecordID]segstore.RecordID{},
		nodes:     map[segstore.RecordID]segstore.RecordID{},
	}
}

// copyNode recursively re-emits the NODE record at old into key's
// buffer at the next generation, returning its new record id. Every
// sub-record (template, properties, values, child map, child nodes) is
// copied the same way, memoized so repeated references collapse to one
// new record, matching spec.md §4.8 step 3.
func (gc *GC) copyNode(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.nodes[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}
	node, err := ReadNode(seg, old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	newTemplate, err := gc.copyTemplate(ctx, key, node.Template, memo)
	if err != nil {
		return segstore.RecordID{}, err
	}

	newProps := make([]segstore.RecordID, len(node.Properties))
	for i, p := range node.Properties {
		newProps[i], err = gc.copyProperty(ctx, key, p, memo)
		if err != nil {
			return segstore.RecordID{}, err
		}
	}

	var newChildren *segstore.RecordID
	if node.Children != nil {
		childRef, err := gc.copyChildMap(ctx, key, *node.Children, memo)
		if err != nil {
			return segstore.RecordID{}, err
		}
		newChildren = &childRef
	}

	builder, selfID, err := gc.store.pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	off, err := WriteNode(builder, selfID, newTemplate, newProps, newChildren)
	if err != nil {
		return segstore.RecordID{}, err
	}
	new, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.nodes[old] = new
	return new, nil
}

func (gc *GC) copyChildMap(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.maps[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}
	entries, err := ReadMap(gc.store.Resolver(), seg, old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	newEntries := make(map[string]segstore.RecordID, len(entries))
	for name, childRef := range entries {
		newChild, err := gc.copyNode(ctx, key, childRef, memo)
		if err != nil {
			return segstore.RecordID{}, err
		}
		newEntries[name] = newChild
	}

	builder, selfID, err := gc.store.pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	off, err := WriteMap(builder, selfID, newEntries)
	if err != nil {
		return segstore.RecordID{}, err
	}
	new, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.maps[old] = new
	return new, nil
}

func (gc *GC) copyTemplate(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.templates[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}
	tmpl, err := ReadTemplate(gc.store.Resolver(), seg, old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	// InternTemplate, not a bare WriteTemplate: two templates that were
	// originally written as separate records (e.g. before this store
	// supported interning) but share a shape collapse onto one record
	// here too, not just ones that already shared a record id.
	new, err := gc.store.pool.InternTemplate(key, tmpl)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.templates[old] = new
	return new, nil
}

func (gc *GC) copyProperty(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.props[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}
	prop, err := ReadProperty(gc.store.Resolver(), seg, old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	newValues := make([]segstore.RecordID, len(prop.Values))
	for i, v := range prop.Values {
		if prop.IsString {
			newValues[i], err = gc.copyString(ctx, key, v, memo)
		} else {
			newValues[i], err = gc.copyValue(ctx, key, v, memo)
		}
		if err != nil {
			return segstore.RecordID{}, err
		}
	}

	builder, selfID, err := gc.store.pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}
	off, err := WriteProperty(builder, selfID, prop.IsString, prop.Multiple, newValues)
	if err != nil {
		return segstore.RecordID{}, err
	}
	new, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.props[old] = new
	return new, nil
}

// copyString re-emits a STRING record. A string stored behind a direct
// external reference is kept by reference, as for binary values; a
// block-chain long string is reassembled and written again into the
// new generation.
func (gc *GC) copyString(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.strings[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}
	sized, err := ReadSizedBytes(seg, old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	builder, selfID, err := gc.store.pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}

	var off int
	if sized.External == nil {
		off, err = WriteSizedBytes(builder, selfID, sized.Inline)
	} else if sized.IsBlockChain {
		data, rerr := gc.reassembleBlockChain(seg, sized)
		if rerr != nil {
			return segstore.RecordID{}, rerr
		}
		off, err = WriteSizedBytes(builder, selfID, data)
	} else {
		off, err = WriteExternalRef(builder, selfID, *sized.External, sized.Length)
	}
	if err != nil {
		return segstore.RecordID{}, err
	}

	new, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.strings[old] = new
	return new, nil
}

func (gc *GC) copyValue(ctx context.Context, key writerKey, old segstore.RecordID, memo *copyMemo) (segstore.RecordID, error) {
	if gc.cancelled.Load() || ctx.Err() != nil {
		return segstore.RecordID{}, gc.cancelErr()
	}
	if new, ok := memo.values[old]; ok {
		return new, nil
	}

	seg, err := gc.store.ReadSegment(old.Segment)
	if err != nil {
		return segstore.RecordID{}, err
	}

	builder, selfID, err := gc.store.pool.Builder(key)
	if err != nil {
		return segstore.RecordID{}, err
	}

	tag, err := seg.ReadByte(old.Offset)
	if err != nil {
		return segstore.RecordID{}, err
	}

	var off int
	if ValueType(tag) == ValueBinary {
		sized, err := ReadSizedBytes(seg, old.Offset+1)
		if err != nil {
			return segstore.RecordID{}, err
		}
		switch {
		case sized.External == nil:
			off, err = WriteValue(builder, selfID, BinaryValue(sized.Inline))
		case sized.IsBlockChain:
			data, rerr := gc.reassembleBlockChain(seg, sized)
			if rerr != nil {
				return segstore.RecordID{}, rerr
			}
			off, err = WriteValue(builder, selfID, BinaryValue(data))
		default:
			// kept by reference: the blob stays in its bulk segment.
			off, err = WriteExternalBinaryValue(builder, selfID, *sized.External, sized.Length)
		}
		if err != nil {
			return segstore.RecordID{}, err
		}
	} else {
		v, rerr := ReadValue(seg, old.Offset)
		if rerr != nil {
			return segstore.RecordID{}, rerr
		}
		off, err = WriteValue(builder, selfID, v)
		if err != nil {
			return segstore.RecordID{}, err
		}
	}

	new, err := segstore.NewRecordID(selfID, off)
	if err != nil {
		return segstore.RecordID{}, err
	}
	memo.values[old] = new
	return new, nil
}

func (gc *GC) reassembleBlockChain(seg *Segment, sized SizedBytes) ([]byte, error) {
	resolve := gc.store.Resolver()
	listSeg, err := followRef(resolve, seg, *sized.External)
	if err != nil {
		return nil, err
	}
	blockRefs, err := ReadList(resolve, listSeg, sized.External.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, sized.Length)
	remaining := sized.Length
	for _, ref := range blockRefs {
		n := int64(blockChunkSize)
		if remaining < n {
			n = remaining
		}
		blockSeg, err := followRef(resolve, seg, ref)
		if err != nil {
			return nil, err
		}
		data, err := blockSeg.ReadBytes(ref.Offset, int(n))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		remaining -= n
	}
	return out, nil
}

// Cleanup implements Phase B: decide a reclaim-generation threshold,
// compute the retained segment set per archive, and rewrite or delete
// files accordingly, per spec.md §4.8 Phase B.
func (gc *GC) Cleanup() (reclaimedBytes int64, err error) {
	timer := gc.startTimer("cleanup")
	defer timer()

	current := int64(gc.currentGeneration())
	reclaimGeneration := current - int64(gc.opts.RetainedGenerations)

	head, ok := gc.store.GetHead()
	if !ok {
		return 0, nil
	}

	liveBulk := map[segstore.ID]struct{}{}
	if err := gc.walkReachable(head.Segment, liveBulk); err != nil {
		return 0, err
	}
	for _, root := range gc.extraRootIDs() {
		if err := gc.walkReachable(root.Segment, liveBulk); err != nil {
			return 0, err
		}
	}

	gc.store.mu.Lock()
	defer gc.store.mu.Unlock()

	var kept []*archiveReader
	for _, r := range gc.store.readers {
		retain, bytesInFile, reclaimableInFile := gc.partitionReader(r, reclaimGeneration, liveBulk)
		if len(retain) == len(r.Ids()) {
			kept = append(kept, r)
			continue
		}

		fraction := 0.0
		if bytesInFile > 0 {
			fraction = float64(reclaimableInFile) / float64(bytesInFile)
		}

		if fraction < gc.opts.RewriteThreshold {
			// Below the rewrite threshold: leave the file as-is rather
			// than pay the rewrite cost for a small gain (spec.md §9(b)).
			kept = append(kept, r)
			continue
		}

		if len(retain) == 0 {
			if err := r.Close(); err != nil {
				return reclaimedBytes, err
			}
			reclaimedBytes += bytesInFile
			continue
		}

		rewritten, err := gc.rewriteReader(r, retain)
		if err != nil {
			return reclaimedBytes, err
		}
		reclaimedBytes += reclaimableInFile
		kept = append(kept, rewritten)
	}
	gc.store.readers = kept

	if gc.metrics != nil {
		gc.metrics.reclaimedBytes.Add(float64(reclaimedBytes))
	}

	gc.store.tracker.Sweep(func(id segstore.ID) bool {
		gen, ok := gc.store.segmentGenerationLocked(id)
		if id.Kind() == segstore.KindBulk {
			_, live := liveBulk[id]
			return !live
		}
		return ok && int64(gen) <= reclaimGeneration
	})

	return reclaimedBytes, nil
}

// partitionReader decides, for one archive reader, which segment ids
// must be retained: every bulk segment reachable from the live head,
// every data segment with generation above reclaimGeneration, and
// everything forward-referenced from a retained segment within the same
// file (spec.md §4.8 Phase B, "forward reference cleanup" scenario).
func (gc *GC) partitionReader(r *archiveReader, reclaimGeneration int64, liveBulk map[segstore.ID]struct{}) (retain map[segstore.ID]struct{}, totalBytes, reclaimableBytes int64) {
	retain = map[segstore.ID]struct{}{}
	ids := r.Ids()

	for _, id := range ids {
		size := gc.store.entrySizeLocked(id)
		totalBytes += size

		if id.Kind() == segstore.KindBulk {
			if _, ok := liveBulk[id]; ok {
				retain[id] = struct{}{}
			}
			continue
		}
		gen, _ := r.Generation(id)
		if int64(gen) > reclaimGeneration {
			retain[id] = struct{}{}
		}
	}

	// Close over forward references: anything a retained segment points
	// to (in this file or reachable transitively) is retained too.
	graph := r.Graph()
	changed := true
	for changed {
		changed = false
		for id := range retain {
			for _, ref := range graph[id] {
				if _, ok := retain[ref]; !ok {
					retain[ref] = struct{}{}
					changed = true
				}
			}
		}
	}

	for _, id := range ids {
		if _, ok := retain[id]; !ok {
			reclaimableBytes += gc.store.entrySizeLocked(id)
		}
	}
	return retain, totalBytes, reclaimableBytes
}

// rewriteReader writes a fresh archive file containing only the entries
// in retain, closes and deletes the old one, and returns a reader over
// the new file.
func (gc *GC) rewriteReader(old *archiveReader, retain map[segstore.ID]struct{}) (*archiveReader, error) {
	path := old.path + ".compact"
	w, err := newArchiveWriter(path, gc.logger)
	if err != nil {
		return nil, err
	}

	for _, id := range old.Ids() {
		if _, ok := retain[id]; !ok {
			continue
		}
		data, err := old.Read(id)
		if err != nil {
			return nil, err
		}
		gen, _ := old.Generation(id)
		if err := w.WriteEntry(id, gen, data, old.Graph()[id], nil); err != nil {
			return nil, err
		}
	}
	if err := w.Seal(); err != nil {
		return nil, err
	}

	if err := old.Close(); err != nil {
		return nil, err
	}
	if err := os.Remove(old.path); err != nil {
		return nil, ioFailure(err, "remove superseded archive")
	}
	if err := os.Rename(path, old.path); err != nil {
		return nil, ioFailure(err, "rename compacted archive into place")
	}

	return openArchiveReader(old.path, gc.store.cfg.MemoryMapping)
}
