package card

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zombor/card-intake/internal/extraction"
)

// Config holds pipeline tuning and sitting parameters.
type Config struct {
	// Tenant scopes every collaborator call
	Tenant string

	// LocationID is the optional sitting location passed to registration
	LocationID string

	// MaxRetries caps automatic re-queues per item
	MaxRetries int

	// Backoff is the delay schedule between automatic retries; the last
	// entry repeats beyond the schedule
	Backoff []time.Duration

	// UploadConcurrency bounds simultaneous object-storage writes
	UploadConcurrency int

	// ExtractConcurrency bounds simultaneous vision-extraction calls
	ExtractConcurrency int
}

// DefaultConfig returns a Config with reasonable defaults. Extraction is
// the costlier, more rate-limited operation, so its pool is smaller.
func DefaultConfig(tenant string) Config {
	return Config{
		Tenant:             tenant,
		MaxRetries:         3,
		Backoff:            []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		UploadConcurrency:  5,
		ExtractConcurrency: 3,
	}
}

// Callbacks are observer hooks fired outside the pipeline lock.
type Callbacks struct {
	// OnComplete fires with the backend record id when an item finishes
	OnComplete func(itemID, recordID string)

	// OnFailure fires when an item reaches terminal failed
	OnFailure func(itemID, message string)

	// OnBatch fires exactly once per sitting, on the first successful
	// registration
	OnBatch func(batch BatchInfo)

	// OnChange fires on every status/progress mutation
	OnChange func(item *WorkItem)
}

// IDGenerator generates unique IDs for work items
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidIDGenerator struct{}

func (g *uuidIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Pipeline drives every queued work item through the stage sequence
// concurrently, bounded only by the two stage-class semaphores. It is the
// single owner of the item set; all mutations funnel through one locked
// update path so readers never observe a torn state.
type Pipeline struct {
	cfg        Config
	store      ObjectStore
	records    Records
	extractor  extraction.Extractor
	snapshots  SnapshotStore
	callbacks  Callbacks
	idGen      IDGenerator
	timeSource TimeSource

	uploadSem  *Semaphore
	extractSem *Semaphore

	mu       sync.Mutex
	items    []*WorkItem
	index    map[string]*WorkItem
	inflight map[string]bool
	batch    *BatchInfo
	prior    *Snapshot // interrupted prior session, offered for resume

	sweeping atomic.Bool
	dirty    atomic.Bool

	// Snapshot projections are stamped under mu and saved under persistMu;
	// a save whose stamp is older than the last one written is dropped, so
	// the slot always converges on the newest projection.
	persistMu sync.Mutex
	snapSeq   uint64 // guarded by mu
	savedSeq  uint64 // guarded by persistMu

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline with default ID generator and time source.
// If the snapshot store holds an interrupted prior session it is surfaced
// via Resumable, never auto-restored.
func NewPipeline(store ObjectStore, records Records, extractor extraction.Extractor, snapshots SnapshotStore, cfg Config, callbacks Callbacks) (*Pipeline, error) {
	return NewPipelineWithDeps(store, records, extractor, snapshots, cfg, callbacks, &uuidIDGenerator{}, &defaultTimeSource{})
}

// NewPipelineWithDeps creates a pipeline with custom dependencies for testing.
func NewPipelineWithDeps(store ObjectStore, records Records, extractor extraction.Extractor, snapshots SnapshotStore, cfg Config, callbacks Callbacks, idGen IDGenerator, timeSrc TimeSource) (*Pipeline, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	}
	if cfg.UploadConcurrency < 1 {
		cfg.UploadConcurrency = 5
	}
	if cfg.ExtractConcurrency < 1 {
		cfg.ExtractConcurrency = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		records:    records,
		extractor:  extractor,
		snapshots:  snapshots,
		callbacks:  callbacks,
		idGen:      idGen,
		timeSource: timeSrc,
		uploadSem:  NewSemaphore(cfg.UploadConcurrency),
		extractSem: NewSemaphore(cfg.ExtractConcurrency),
		index:      make(map[string]*WorkItem),
		inflight:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	prior, err := snapshots.Load()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("inspecting session slot: %w", err)
	}
	if prior.Resumable() {
		p.prior = prior
		slog.Info("Found interrupted session",
			"items", len(prior.Items),
			"saved_at", prior.SavedAt,
		)
	}

	return p, nil
}

// Close stops dispatching and waits for in-flight stage sequences.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Add captures a new card and queues it for processing. The front image is
// required; the back is optional.
func (p *Pipeline) Add(front, back *CapturedImage) (string, error) {
	if front == nil || len(front.Data) == 0 {
		return "", fmt.Errorf("front image is required")
	}

	now := p.timeSource.Now()
	item := &WorkItem{
		ID:        p.idGen.Generate(),
		Front:     front,
		Back:      back,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	p.mu.Lock()
	p.items = append(p.items, item)
	p.index[item.ID] = item
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snap, seq)
	p.notifyChange(item)
	slog.Info("Card queued", "item_id", item.ID, "file", front.FileName)

	p.Dispatch()
	return item.ID, nil
}

// Retry re-queues a terminally failed item. It clears the error message
// and progress but keeps the retry count. Items recovered from a prior
// session have lost their bytes and must be captured again.
func (p *Pipeline) Retry(id string) error {
	var requeue bool
	ok := p.update(id, func(w *WorkItem) {
		if w.Status != StatusFailed {
			return
		}
		if w.Front == nil || len(w.Front.Data) == 0 {
			return
		}
		w.Status = StatusQueued
		w.Progress = 0
		w.LastError = ""
		requeue = true
	})
	if !ok {
		return fmt.Errorf("item not found: %s", id)
	}
	if !requeue {
		p.mu.Lock()
		item := p.index[id]
		lost := item != nil && item.Status == StatusFailed
		p.mu.Unlock()
		if lost {
			return fmt.Errorf("image bytes were lost with the previous session; capture the card again")
		}
		return fmt.Errorf("item %s is not in a failed state", id)
	}

	p.Dispatch()
	return nil
}

// Remove detaches an item from tracking. An already-dispatched remote call
// may still complete silently; its results are discarded.
func (p *Pipeline) Remove(id string) error {
	p.mu.Lock()
	if _, ok := p.index[id]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("item not found: %s", id)
	}
	delete(p.index, id)
	delete(p.inflight, id)
	for i, item := range p.items {
		if item.ID == id {
			p.items = append(p.items[:i], p.items[i+1:]...)
			break
		}
	}
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snap, seq)
	return nil
}

// Reset clears all items, the sitting batch and the session slot.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	p.items = nil
	p.index = make(map[string]*WorkItem)
	p.inflight = make(map[string]bool)
	p.batch = nil
	p.mu.Unlock()

	if err := p.clearSlot(); err != nil {
		return fmt.Errorf("clearing session slot: %w", err)
	}
	return nil
}

// Items returns a copy of the current item set in insertion order.
func (p *Pipeline) Items() []*WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkItem, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item.Clone())
	}
	return out
}

// Item returns a copy of one item, or nil if it is not tracked.
func (p *Pipeline) Item(id string) *WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.index[id]; ok {
		return item.Clone()
	}
	return nil
}

// Stats derives per-status counts for the current item set.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return computeStats(p.items, p.sweeping.Load())
}

// Batch returns the sitting's batch info once registration has assigned it.
func (p *Pipeline) Batch() *BatchInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batch == nil {
		return nil
	}
	b := *p.batch
	return &b
}

// Resumable reports whether an interrupted prior session is waiting for a
// resume-or-discard decision.
func (p *Pipeline) Resumable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prior != nil
}

// PriorSession returns the interrupted snapshot, or nil.
func (p *Pipeline) PriorSession() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prior
}

// Resume reconstructs the interrupted session's items. The raw bytes are
// gone, so every non-terminal item comes back failed with a fixed
// interruption message; terminal items are kept unchanged.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	prior := p.prior
	if prior == nil {
		p.mu.Unlock()
		return fmt.Errorf("no interrupted session to resume")
	}
	p.prior = nil

	for _, si := range prior.Items {
		item := &WorkItem{
			ID:         si.ID,
			Status:     si.Status,
			Progress:   si.Progress,
			RecordID:   si.RecordID,
			BatchID:    si.BatchID,
			BatchName:  si.BatchName,
			LastError:  si.LastError,
			RetryCount: si.RetryCount,
			Front: &CapturedImage{
				FileName:    si.FrontFileName,
				ContentType: si.FrontContentType,
				Preview:     si.FrontPreview,
			},
			CreatedAt: prior.SavedAt,
			UpdatedAt: p.timeSource.Now(),
		}
		if si.BackFileName != "" || si.BackPreview != "" {
			item.Back = &CapturedImage{
				FileName:    si.BackFileName,
				ContentType: si.BackContentType,
				Preview:     si.BackPreview,
			}
		}
		if !si.Status.Terminal() {
			item.Status = StatusFailed
			item.Progress = 0
			item.LastError = InterruptedMessage
		}
		p.items = append(p.items, item)
		p.index[item.ID] = item
	}
	if prior.Batch != nil {
		b := *prior.Batch
		p.batch = &b
	}
	snap, seq := p.snapshotLocked()
	p.mu.Unlock()

	p.persist(snap, seq)
	slog.Info("Resumed interrupted session", "items", len(prior.Items))
	return nil
}

// DiscardSession drops the interrupted snapshot and clears the slot.
func (p *Pipeline) DiscardSession() error {
	p.mu.Lock()
	p.prior = nil
	p.mu.Unlock()
	if err := p.clearSlot(); err != nil {
		return fmt.Errorf("clearing session slot: %w", err)
	}
	return nil
}

// Dispatch launches the stage sequence for every queued item that is not
// already in flight. The sweep flag keeps sweeps from stacking; the dirty
// flag makes the active sweeper pick up items queued mid-sweep.
func (p *Pipeline) Dispatch() {
	if p.ctx.Err() != nil {
		return
	}
	p.dirty.Store(true)
	for p.dirty.Load() {
		if !p.sweeping.CompareAndSwap(false, true) {
			// The active sweeper will observe the dirty flag.
			return
		}
		p.dirty.Store(false)
		p.sweep()
		p.sweeping.Store(false)
	}
}

func (p *Pipeline) sweep() {
	p.mu.Lock()
	var launch []string
	for _, item := range p.items {
		if item.Status == StatusQueued && !p.inflight[item.ID] {
			p.inflight[item.ID] = true
			launch = append(launch, item.ID)
		}
	}
	p.mu.Unlock()

	for _, id := range launch {
		p.wg.Add(1)
		go p.process(id)
	}
}

// process drives one item through the stage sequence and decides
// retry-vs-terminal from the error kind and retry budget. It is the only
// error handler; one item's failure never touches another.
func (p *Pipeline) process(id string) {
	defer p.wg.Done()

	err := p.runStages(id)
	if err == nil {
		p.clearInflight(id)
		return
	}

	switch {
	case IsDuplicate(err):
		// Informational terminal state. Consumes no retry budget.
		existing := DuplicateRecordID(err)
		p.update(id, func(w *WorkItem) {
			w.Status = StatusDuplicate
			w.Progress = 100
			w.LastError = ""
			if existing != "" {
				w.RecordID = existing
			}
		})
		slog.Info("Card already processed",
			"item_id", id,
			"existing_record_id", existing,
		)
		p.clearInflight(id)

	case IsTerminal(err):
		slog.Error("Card rejected", "item_id", id, "error", err)
		p.fail(id, err.Error())
		p.clearInflight(id)

	default:
		var delay time.Duration
		requeued := false
		p.update(id, func(w *WorkItem) {
			if w.RetryCount < p.cfg.MaxRetries {
				w.RetryCount++
				w.Status = StatusQueued
				w.Progress = 0
				w.LastError = err.Error()
				delay = p.backoffDelay(w.RetryCount)
				requeued = true
			}
		})
		if requeued {
			slog.Warn("Card attempt failed, will retry",
				"item_id", id,
				"delay", delay,
				"error", err,
			)
			// The item stays marked in flight until the backoff
			// elapses so an unrelated sweep cannot pick it up early.
			time.AfterFunc(delay, func() {
				p.clearInflight(id)
				p.Dispatch()
			})
			return
		}
		slog.Error("Card failed permanently", "item_id", id, "error", err)
		p.fail(id, err.Error())
		p.clearInflight(id)
	}
}

// runStages executes upload → register → extract → commit for one item.
// Stage order within an item is strict; items race independently.
func (p *Pipeline) runStages(id string) error {
	item := p.Item(id)
	if item == nil || item.Status != StatusQueued {
		return nil
	}

	// uploading
	p.update(id, func(w *WorkItem) {
		w.Status = StatusUploading
		w.Progress = 10
		w.LastError = ""
	})

	frontUp, err := p.storeImage(item.Front, "front")
	if err != nil {
		return err
	}
	var backUp *UploadResult
	if item.Back != nil {
		p.update(id, func(w *WorkItem) { w.Progress = 25 })
		backUp, err = p.storeImage(item.Back, "back")
		if err != nil {
			return err
		}
	}

	// creating
	p.update(id, func(w *WorkItem) {
		w.FrontUpload = frontUp
		w.BackUpload = backUp
		w.Status = StatusCreating
		w.Progress = 40
	})

	recordID := item.RecordID
	if recordID == "" {
		var backRef *ImageRef
		if backUp != nil {
			backRef = &ImageRef{Key: backUp.Key, Hash: backUp.Hash}
		}
		info, err := p.records.CreatePendingRecord(p.ctx, p.cfg.Tenant, ImageRef{Key: frontUp.Key, Hash: frontUp.Hash}, backRef, p.cfg.LocationID)
		if err != nil {
			return err
		}
		recordID = info.RecordID

		var announce *BatchInfo
		p.mu.Lock()
		if p.batch == nil && info.BatchID != "" {
			p.batch = &BatchInfo{ID: info.BatchID, Name: info.BatchName}
			b := *p.batch
			announce = &b
		}
		p.mu.Unlock()

		p.update(id, func(w *WorkItem) {
			w.RecordID = info.RecordID
			w.BatchID = info.BatchID
			w.BatchName = info.BatchName
		})
		if announce != nil && p.callbacks.OnBatch != nil {
			p.callbacks.OnBatch(*announce)
		}
	}

	// extracting
	p.update(id, func(w *WorkItem) {
		w.Status = StatusExtracting
		w.Progress = 70
	})

	fields, err := p.extractFields(item)
	if err != nil {
		return err
	}

	p.update(id, func(w *WorkItem) { w.Progress = 90 })
	if err := p.records.UpdateRecordExtraction(p.ctx, p.cfg.Tenant, recordID, fields); err != nil {
		return err
	}

	tracked := p.update(id, func(w *WorkItem) {
		w.Status = StatusComplete
		w.Progress = 100
		w.LastError = ""
	})
	if tracked && p.callbacks.OnComplete != nil {
		p.callbacks.OnComplete(id, recordID)
	}
	slog.Info("Card complete", "item_id", id, "record_id", recordID)
	return nil
}

// storeImage is the upload stage adapter: hash, credential, direct write.
// The hash is recomputed from the same bytes on every attempt, so duplicate
// detection stays correct across partial-failure retries.
func (p *Pipeline) storeImage(img *CapturedImage, side string) (*UploadResult, error) {
	hash := ContentHash(img.Data)

	if err := p.uploadSem.Acquire(p.ctx); err != nil {
		return nil, fmt.Errorf("waiting for upload slot: %w", err)
	}
	defer p.uploadSem.Release()

	cred, err := p.store.RequestWriteCredential(p.ctx, img.FileName, img.ContentType, len(img.Data), p.cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("requesting write credential for %s image: %w", side, err)
	}
	if err := p.store.Upload(p.ctx, cred.WriteURL, img.Data, img.ContentType); err != nil {
		return nil, fmt.Errorf("storing %s image: %w", side, err)
	}
	return &UploadResult{Key: cred.Key, Hash: hash}, nil
}

// extractFields is the extraction stage adapter. Raw bytes go to the
// extractor, never the storage reference.
func (p *Pipeline) extractFields(item *WorkItem) (*extraction.Fields, error) {
	if err := p.extractSem.Acquire(p.ctx); err != nil {
		return nil, fmt.Errorf("waiting for extraction slot: %w", err)
	}
	defer p.extractSem.Release()

	front := extraction.Image{Data: item.Front.Data, ContentType: item.Front.ContentType}
	var back *extraction.Image
	if item.Back != nil {
		back = &extraction.Image{Data: item.Back.Data, ContentType: item.Back.ContentType}
	}
	return p.extractor.Extract(p.cfg.Tenant, front, back)
}

func (p *Pipeline) fail(id, message string) {
	tracked := p.update(id, func(w *WorkItem) {
		w.Status = StatusFailed
		w.LastError = message
	})
	if tracked && p.callbacks.OnFailure != nil {
		p.callbacks.OnFailure(id, message)
	}
}

// backoffDelay returns the delay before the given automatic attempt,
// repeating the last configured delay beyond the schedule.
func (p *Pipeline) backoffDelay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.cfg.Backoff) {
		idx = len(p.cfg.Backoff) - 1
	}
	return p.cfg.Backoff[idx]
}

func (p *Pipeline) clearInflight(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// update is the single mutation path. It applies fn under the lock, then
// publishes the change to the snapshot store and the change listener.
// Returns false if the item is no longer tracked.
func (p *Pipeline) update(id string, fn func(*WorkItem)) bool {
	p.mu.Lock()
	item, ok := p.index[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	fn(item)
	item.UpdatedAt = p.timeSource.Now()
	snap, seq := p.snapshotLocked()
	var changed *WorkItem
	if p.callbacks.OnChange != nil {
		changed = item.Clone()
	}
	p.mu.Unlock()

	p.persist(snap, seq)
	if changed != nil {
		p.callbacks.OnChange(changed)
	}
	return true
}

func (p *Pipeline) notifyChange(item *WorkItem) {
	if p.callbacks.OnChange != nil {
		p.callbacks.OnChange(item.Clone())
	}
}

// snapshotLocked projects the item set for the session slot and stamps it
// with the next sequence number. Callers must hold p.mu.
func (p *Pipeline) snapshotLocked() (*Snapshot, uint64) {
	p.snapSeq++
	snap := &Snapshot{
		Tenant:     p.cfg.Tenant,
		LocationID: p.cfg.LocationID,
		SavedAt:    p.timeSource.Now(),
		Items:      make([]SnapshotItem, 0, len(p.items)),
	}
	if p.batch != nil {
		b := *p.batch
		snap.Batch = &b
	}
	for _, item := range p.items {
		si := SnapshotItem{
			ID:         item.ID,
			Status:     item.Status,
			Progress:   item.Progress,
			RecordID:   item.RecordID,
			BatchID:    item.BatchID,
			BatchName:  item.BatchName,
			LastError:  item.LastError,
			RetryCount: item.RetryCount,
		}
		if item.Front != nil {
			si.FrontFileName = item.Front.FileName
			si.FrontContentType = item.Front.ContentType
			si.FrontPreview = item.Front.Preview
		}
		if item.Back != nil {
			si.BackFileName = item.Back.FileName
			si.BackContentType = item.Back.ContentType
			si.BackPreview = item.Back.Preview
		}
		snap.Items = append(snap.Items, si)
	}
	return snap, p.snapSeq
}

// persist writes snap to the session slot unless a newer projection has
// already been saved. Concurrent mutations may reach this point out of
// stamp order; the stale one is dropped rather than overwriting the slot.
func (p *Pipeline) persist(snap *Snapshot, seq uint64) {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if seq <= p.savedSeq {
		return
	}
	p.savedSeq = seq
	if err := p.snapshots.Save(snap); err != nil {
		slog.Warn("Failed to save session snapshot", "error", err)
	}
}

// clearSlot empties the session slot and retires any in-flight stale save
// so it cannot resurrect the cleared state.
func (p *Pipeline) clearSlot() error {
	p.mu.Lock()
	p.snapSeq++
	seq := p.snapSeq
	p.mu.Unlock()

	p.persistMu.Lock()
	defer p.persistMu.Unlock()
	if seq > p.savedSeq {
		p.savedSeq = seq
	}
	return p.snapshots.Clear()
}
