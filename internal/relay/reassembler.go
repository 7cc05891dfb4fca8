package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Tyrowin/relayhub/internal/artifact"
	"github.com/Tyrowin/relayhub/internal/metrics"
)

// ArtifactStore persists materialized transfers. *artifact.Store implements it.
type ArtifactStore interface {
	Create(id, filename string, write func(io.Writer) error) (artifact.Info, error)
	Exists(id string) bool
	Remove(id string) error
	Expire(id string, at time.Time) bool
	Reap(now time.Time) []string
}

var _ ArtifactStore = (*artifact.Store)(nil)

// Reassembler owns every in-flight Transfer and rebuilds completed ones into
// artifacts in the background.
type Reassembler struct {
	out     Broadcaster
	store   ArtifactStore
	clock   clock.Clock
	metrics *metrics.Metrics

	deadline     time.Duration
	stateGrace   time.Duration
	artifactTTL  time.Duration
	maxChunkSize int64

	mu        sync.Mutex
	transfers map[string]*Transfer

	// materializing tracks background writes so shutdown can wait for them.
	materializing sync.WaitGroup
}

// NewReassembler creates a reassembler that reports through out and writes
// artifacts to store.
func NewReassembler(out Broadcaster, store ArtifactStore, opts Options) *Reassembler {
	opts = opts.withDefaults()
	return &Reassembler{
		out:          out,
		store:        store,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		deadline:     opts.TransferDeadline,
		stateGrace:   opts.StateGrace,
		artifactTTL:  opts.ArtifactTTL,
		maxChunkSize: opts.MaxChunkSize,
		transfers:    make(map[string]*Transfer),
	}
}

type backupStartedNotice struct {
	Type       string `json:"type"`
	BackupID   string `json:"backupId"`
	Recipients int    `json:"recipients"`
}

type backupStartNotice struct {
	Type     string `json:"type"`
	BackupID string `json:"backupId"`
	Filename string `json:"filename"`
}

type chunkReceivedNotice struct {
	Type           string `json:"type"`
	BackupID       string `json:"backupId"`
	ChunkIndex     int    `json:"chunkIndex"`
	Size           int64  `json:"size"`
	ChunksReceived int    `json:"chunksReceived"`
	BytesReceived  int64  `json:"bytesReceived"`
}

type backupCompleteNotice struct {
	Type        string `json:"type"`
	BackupID    string `json:"backupId"`
	TotalChunks int    `json:"totalChunks"`
	TotalSize   int64  `json:"totalSize"`
}

type backupReadyNotice struct {
	Type        string `json:"type"`
	BackupID    string `json:"backupId"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"downloadUrl"`
}

type backupErrorNotice struct {
	Type     string `json:"type"`
	BackupID string `json:"backupId,omitempty"`
	Error    string `json:"error"`
}

type backupIDNotice struct {
	Type     string `json:"type"`
	BackupID string `json:"backupId,omitempty"`
}

func (ra *Reassembler) newID() string {
	return fmt.Sprintf("backup_%d_%s", ra.clock.Now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:9])
}

func readyTransferClient(c ConnInfo) bool {
	return c.Role == RoleTransferClient && c.Ready && c.PathSet
}

// OnCommand allocates a transfer and forwards the command to every transfer
// client that completed both handshakes.
func (ra *Reassembler) OnCommand(sender ConnID, m BackupCommand) error {
	id := m.BackupID
	if id == "" {
		id = ra.newID()
	}

	now := ra.clock.Now()
	ra.mu.Lock()
	if _, exists := ra.transfers[id]; exists || ra.store.Exists(id) {
		ra.mu.Unlock()
		transferLog.Warnw("rejecting reused transfer id", "backup", id, "conn", sender)
		ra.out.Broadcast(RoleController, backupErrorNotice{Type: TypeBackupError, BackupID: id, Error: ErrDuplicateTransfer.Error()})
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, id)
	}
	ra.transfers[id] = &Transfer{
		id:        id,
		initiator: sender,
		status:    StatusStarted,
		chunks:    make(map[int]chunk),
		createdAt: now,
		deadline:  now.Add(ra.deadline),
	}
	ra.updateGaugeLocked()
	ra.mu.Unlock()

	payload, err := withField(m.Raw(), "backupId", id)
	if err != nil {
		ra.fail(id, "encoding command: "+err.Error())
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	n := ra.out.BroadcastWhere(readyTransferClient, json.RawMessage(payload))
	if n == 0 {
		transferLog.Warnw("no ready transfer client for command", "backup", id)
		ra.fail(id, "no ready transfer client")
		return nil
	}

	transferLog.Infow("transfer started", "backup", id, "initiator", sender, "recipients", n)
	ra.out.Broadcast(RoleController, backupStartedNotice{Type: TypeBackupStarted, BackupID: id, Recipients: n})
	return nil
}

// lookupLocked resolves id to an active transfer. An empty id matches the
// only non-terminal transfer when exactly one exists.
func (ra *Reassembler) lookupLocked(id string) (*Transfer, error) {
	if id != "" {
		t, ok := ra.transfers[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, id)
		}
		return t, nil
	}

	var found *Transfer
	for _, t := range ra.transfers {
		if t.status.Terminal() {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: ambiguous empty backup id", ErrUnknownTransfer)
		}
		found = t
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no active transfer", ErrUnknownTransfer)
	}
	return found, nil
}

// OnStart records the archive filename of a transfer still in Started.
func (ra *Reassembler) OnStart(m BackupStart) error {
	ra.mu.Lock()
	t, err := ra.lookupLocked(m.BackupID)
	if err != nil {
		ra.mu.Unlock()
		transferLog.Debugw("dropping start for unknown transfer", "backup", m.BackupID)
		return err
	}
	if t.status != StatusStarted {
		status := t.status
		ra.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrInvalidTransition, status)
	}
	t.filename = m.Filename
	t.status = StatusCreatingArchive
	id := t.id
	ra.mu.Unlock()

	transferLog.Infow("archive stream starting", "backup", id, "filename", m.Filename)
	ra.out.Broadcast(RoleController, backupStartNotice{Type: TypeBackupStart, BackupID: id, Filename: m.Filename})
	return nil
}

// OnChunk stores one chunk by index. A repeated index replaces the earlier
// payload. Unknown transfers are never created implicitly.
func (ra *Reassembler) OnChunk(m BackupChunk) error {
	size := decodedLen(m.Data)
	if size > ra.maxChunkSize {
		transferLog.Warnw("rejecting oversized chunk", "backup", m.BackupID, "index", m.Index, "size", size)
		ra.out.Broadcast(RoleController, backupErrorNotice{
			Type:     TypeBackupError,
			BackupID: m.BackupID,
			Error:    fmt.Sprintf("chunk %d: %v", m.Index, ErrChunkTooLarge),
		})
		return fmt.Errorf("%w: %d > %d", ErrChunkTooLarge, size, ra.maxChunkSize)
	}

	ra.mu.Lock()
	t, err := ra.lookupLocked(m.BackupID)
	if err != nil {
		ra.mu.Unlock()
		transferLog.Debugw("dropping chunk for unknown transfer", "backup", m.BackupID, "index", m.Index)
		return err
	}
	if t.status.Terminal() {
		status := t.status
		ra.mu.Unlock()
		transferLog.Debugw("dropping chunk for finished transfer", "backup", t.id, "status", status)
		return fmt.Errorf("%w: chunk in state %s", ErrInvalidTransition, status)
	}

	if prev, ok := t.chunks[m.Index]; ok {
		t.bytesReceived -= prev.size
	} else {
		t.chunkCount++
	}
	t.chunks[m.Index] = chunk{data: m.Data, size: size, receivedAt: ra.clock.Now()}
	t.bytesReceived += size
	t.status = StatusReceiving

	notice := chunkReceivedNotice{
		Type:           TypeChunkReceived,
		BackupID:       t.id,
		ChunkIndex:     m.Index,
		Size:           size,
		ChunksReceived: t.chunkCount,
		BytesReceived:  t.bytesReceived,
	}
	ra.mu.Unlock()

	ra.metrics.ChunkReceived(size)
	ra.out.Broadcast(RoleController, notice)
	return nil
}

// OnComplete records the declared totals and starts materialization in the
// background. Materialization runs at most once per transfer.
func (ra *Reassembler) OnComplete(m BackupComplete) error {
	ra.mu.Lock()
	t, err := ra.lookupLocked(m.BackupID)
	if err != nil {
		ra.mu.Unlock()
		transferLog.Debugw("dropping completion for unknown transfer", "backup", m.BackupID)
		return err
	}
	if t.status.Terminal() || t.materializing {
		status := t.status
		ra.mu.Unlock()
		return fmt.Errorf("%w: complete in state %s", ErrInvalidTransition, status)
	}

	t.declaredChunks = m.TotalChunks
	t.declaredSize = m.TotalSize
	t.status = StatusCompleted
	t.finishedAt = ra.clock.Now()
	t.materializing = true

	// Ownership of the chunk map moves to the materializer.
	chunks := t.chunks
	t.chunks = nil

	job := materializeJob{
		id:           t.id,
		filename:     t.filename,
		wantChunks:   m.TotalChunks,
		declaredSize: m.TotalSize,
		chunks:       chunks,
	}
	ra.updateGaugeLocked()
	ra.mu.Unlock()

	transferLog.Infow("transfer complete, materializing", "backup", job.id, "chunks", len(chunks), "declared", m.TotalChunks)
	ra.out.Broadcast(RoleController, backupCompleteNotice{
		Type:        TypeBackupComplete,
		BackupID:    job.id,
		TotalChunks: m.TotalChunks,
		TotalSize:   m.TotalSize,
	})

	ra.materializing.Add(1)
	go func() {
		defer ra.materializing.Done()
		ra.materialize(job)
	}()
	return nil
}

type materializeJob struct {
	id           string
	filename     string
	wantChunks   int
	declaredSize int64
	chunks       map[int]chunk
}

func (ra *Reassembler) materialize(job materializeJob) {
	info, err := ra.writeArtifact(job)
	job.chunks = nil

	now := ra.clock.Now()
	ra.mu.Lock()
	t, ok := ra.transfers[job.id]
	if ok {
		t.materializing = false
		t.finishedAt = now
		if err != nil {
			t.finish(StatusFailed, err.Error(), now)
		} else {
			t.artifactReady = true
			t.artifactSize = info.Size
		}
	}
	ra.mu.Unlock()

	ra.metrics.Materialized(err == nil)
	if err != nil {
		transferLog.Errorw("materialization failed", "backup", job.id, "err", err)
		ra.out.Broadcast(RoleController, backupErrorNotice{Type: TypeBackupError, BackupID: job.id, Error: err.Error()})
		return
	}

	ra.store.Expire(job.id, now.Add(ra.artifactTTL))
	ra.out.Broadcast(RoleController, backupReadyNotice{
		Type:        TypeBackupReady,
		BackupID:    job.id,
		Filename:    info.Filename,
		Size:        info.Size,
		DownloadURL: "/download/" + job.id,
	})
}

func (ra *Reassembler) writeArtifact(job materializeJob) (artifact.Info, error) {
	want, err := checkContiguous(job.chunks, job.wantChunks)
	if err != nil {
		return artifact.Info{}, fmt.Errorf("%w: %v", ErrMaterialization, err)
	}

	filename := job.filename
	if filename == "" {
		filename = job.id + ".zip"
	}

	info, err := ra.store.Create(job.id, filename, func(w io.Writer) error {
		for i := 0; i < want; i++ {
			dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(job.chunks[i].data))
			if _, err := io.Copy(w, dec); err != nil {
				return fmt.Errorf("decode chunk %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return artifact.Info{}, fmt.Errorf("%w: %v", ErrMaterialization, err)
	}

	if job.declaredSize > 0 && info.Size != job.declaredSize {
		if rmErr := ra.store.Remove(job.id); rmErr != nil {
			transferLog.Warnw("removing mismatched artifact", "backup", job.id, "err", rmErr)
		}
		return artifact.Info{}, fmt.Errorf("%w: wrote %d bytes, declared %d", ErrMaterialization, info.Size, job.declaredSize)
	}
	return info, nil
}

// OnError fails the named transfer, or every active one when no id is given,
// and relays the report to controllers.
func (ra *Reassembler) OnError(m BackupError) error {
	reason := m.Error
	if reason == "" {
		reason = "reported by transfer client"
	}

	var err error
	if m.BackupID != "" {
		if !ra.markFailed(m.BackupID, reason) {
			err = fmt.Errorf("%w: %s", ErrUnknownTransfer, m.BackupID)
		}
	} else {
		for _, id := range ra.activeIDs() {
			ra.markFailed(id, reason)
		}
	}

	transferLog.Warnw("transfer error reported", "backup", m.BackupID, "error", reason)
	ra.out.Broadcast(RoleController, m.Raw())
	return err
}

// OnCancel fails one transfer, or drops every active transfer when no id is
// given, and relays the cancellation to all transfer clients.
func (ra *Reassembler) OnCancel(m BackupCancel) error {
	var err error
	if m.BackupID != "" {
		if !ra.markFailed(m.BackupID, "cancelled") {
			err = fmt.Errorf("%w: %s", ErrUnknownTransfer, m.BackupID)
		}
	} else {
		ra.mu.Lock()
		for id, t := range ra.transfers {
			if !t.status.Terminal() {
				t.chunks = nil
				delete(ra.transfers, id)
			}
		}
		ra.updateGaugeLocked()
		ra.mu.Unlock()
	}

	transferLog.Infow("transfer cancelled", "backup", m.BackupID)
	ra.out.Broadcast(RoleTransferClient, m.Raw())
	ra.out.Broadcast(RoleController, backupIDNotice{Type: TypeBackupCancelled, BackupID: m.BackupID})
	return err
}

// OnStatus relays a status report to controllers. A terminal report also
// schedules the artifact for delayed cleanup.
func (ra *Reassembler) OnStatus(m BackupStatus) error {
	ra.out.Broadcast(RoleController, m.Raw())

	switch strings.ToLower(m.State()) {
	case "completed", "failed":
		id := m.BackupID
		if id == "" {
			return nil
		}
		if ra.store.Expire(id, ra.clock.Now().Add(ra.artifactTTL)) {
			transferLog.Debugw("artifact cleanup scheduled", "backup", id)
		}
	}
	return nil
}

func (ra *Reassembler) fail(id, reason string) {
	if ra.markFailed(id, reason) {
		ra.out.Broadcast(RoleController, backupErrorNotice{Type: TypeBackupError, BackupID: id, Error: reason})
	}
}

// markFailed moves a non-terminal transfer to Failed. It reports whether the
// id names a known transfer.
func (ra *Reassembler) markFailed(id, reason string) bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	t, ok := ra.transfers[id]
	if !ok {
		return false
	}
	if !t.status.Terminal() {
		t.finish(StatusFailed, reason, ra.clock.Now())
		ra.updateGaugeLocked()
	}
	return true
}

func (ra *Reassembler) activeIDs() []string {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	var ids []string
	for id, t := range ra.transfers {
		if !t.status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep times out transfers past their deadline, drops terminal transfers
// past the grace period and reaps expired artifacts. It returns the ids that
// timed out.
func (ra *Reassembler) Sweep() []string {
	now := ra.clock.Now()

	var timedOut, dropped []string
	ra.mu.Lock()
	for id, t := range ra.transfers {
		switch {
		case !t.status.Terminal() && now.After(t.deadline):
			t.finish(StatusTimedOut, "deadline exceeded", now)
			timedOut = append(timedOut, id)
		case t.status.Terminal() && !t.materializing && now.Sub(t.finishedAt) >= ra.stateGrace:
			delete(ra.transfers, id)
			dropped = append(dropped, id)
		}
	}
	ra.updateGaugeLocked()
	ra.mu.Unlock()

	sort.Strings(timedOut)
	for _, id := range timedOut {
		ra.metrics.TransferTimedOut()
		transferLog.Warnw("transfer timed out", "backup", id, "deadline", ra.deadline)
		ra.out.Broadcast(RoleController, backupIDNotice{Type: TypeBackupTimeout, BackupID: id})
	}
	if len(dropped) > 0 {
		transferLog.Debugw("dropped finished transfers", "count", len(dropped))
	}
	if reaped := ra.store.Reap(now); len(reaped) > 0 {
		transferLog.Infow("expired artifacts removed", "ids", reaped)
	}
	return timedOut
}

// Summary returns one transfer's view.
func (ra *Reassembler) Summary(id string) (TransferSummary, bool) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	t, ok := ra.transfers[id]
	if !ok {
		return TransferSummary{}, false
	}
	return t.summary(), true
}

// Summaries returns every tracked transfer, oldest first.
func (ra *Reassembler) Summaries() []TransferSummary {
	ra.mu.Lock()
	out := make([]TransferSummary, 0, len(ra.transfers))
	for _, t := range ra.transfers {
		out = append(out, t.summary())
	}
	ra.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of non-terminal transfers.
func (ra *Reassembler) ActiveCount() int {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.activeLocked()
}

func (ra *Reassembler) activeLocked() int {
	n := 0
	for _, t := range ra.transfers {
		if !t.status.Terminal() {
			n++
		}
	}
	return n
}

func (ra *Reassembler) updateGaugeLocked() {
	ra.metrics.SetActiveTransfers(ra.activeLocked())
}

// Wait blocks until running materializations finish or ctx is done.
func (ra *Reassembler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ra.materializing.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
