package relay

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readArtifact(t *testing.T, f *fixture, id string) []byte {
	t.Helper()
	r, err := f.store.Open(id)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestCommandReachesOnlyReadyClients(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	ready := f.readyClient(t, "ready")

	halfReady := f.connect(t, "half")
	require.NoError(t, f.send(t, "half", map[string]any{"type": TypeTransferRegister}))
	require.NoError(t, f.send(t, "half", map[string]any{"type": TypeTransferReady}))

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "full": true}))

	cmds := ready.OfType(t, TypeBackupCommand)
	require.Len(t, cmds, 1)
	assert.Equal(t, true, cmds[0]["full"], "command fields are forwarded")
	id, _ := cmds[0]["backupId"].(string)
	assert.Regexp(t, `^backup_\d+_[0-9a-f]{9}$`, id)
	assert.Empty(t, halfReady.OfType(t, TypeBackupCommand))

	started := ctrl.OfType(t, TypeBackupStarted)
	require.Len(t, started, 1)
	assert.Equal(t, id, started[0]["backupId"])
	assert.EqualValues(t, 1, started[0]["recipients"])

	summary, ok := f.broker.Transfer(id)
	require.True(t, ok)
	assert.Equal(t, StatusStarted, summary.Status)
	assert.Equal(t, ConnID("ctrl"), summary.Initiator)
	assert.Equal(t, 1, f.broker.Reassembler().ActiveCount())
}

func TestCommandWithoutReadyClientFails(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "b1"}))

	errs := ctrl.OfType(t, TypeBackupError)
	require.Len(t, errs, 1)
	assert.Equal(t, "b1", errs[0]["backupId"])
	assert.Equal(t, "no ready transfer client", errs[0]["error"])

	summary, ok := f.broker.Transfer("b1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 0, f.broker.Reassembler().ActiveCount())
}

func TestDuplicateTransferIDRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "b1"}))
	client.Reset()
	ctrl.Reset()

	err := f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "b1"})
	require.ErrorIs(t, err, ErrDuplicateTransfer)
	assert.Empty(t, client.Frames(), "the duplicate is not forwarded")
	assert.Len(t, ctrl.OfType(t, TypeBackupError), 1)
	assert.Len(t, f.broker.Transfers(), 1)
}

func TestReusedIDRejectedWhileArtifactRemains(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "nightly"}))
	require.NoError(t, f.send(t, "client", chunkMsg("nightly", 0, []byte("payload"))))
	require.NoError(t, f.send(t, "client", completeMsg("nightly", 1, 7)))
	f.waitSettled(t)

	// The record leaves after the grace period; the artifact outlives it.
	f.clock.Add(2 * time.Minute)
	f.broker.Reassembler().Sweep()
	_, tracked := f.broker.Transfer("nightly")
	require.False(t, tracked)
	_, err := f.store.Stat("nightly")
	require.NoError(t, err)
	client.Reset()
	ctrl.Reset()

	err = f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "nightly"})
	require.ErrorIs(t, err, ErrDuplicateTransfer)
	assert.Empty(t, client.Frames())
	assert.Len(t, ctrl.OfType(t, TypeBackupError), 1)
	assert.Empty(t, f.broker.Transfers())

	// Once the artifact is reaped the id is free again.
	f.clock.Add(4 * time.Minute)
	f.broker.Reassembler().Sweep()
	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCommand, "backupId": "nightly"}))
	assert.Len(t, client.OfType(t, TypeBackupCommand), 1)
}

// Every arrival order of the same chunk set yields the same artifact.
func TestReassemblyIsOrderIndependent(t *testing.T) {
	parts := [][]byte{
		[]byte("first chunk "),
		[]byte("second chunk with more bytes "),
		[]byte("third"),
		bytes.Repeat([]byte{0x00, 0xff, 0x10}, 100),
	}
	want := bytes.Join(parts, nil)

	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t, nil)
			ctrl := f.controller(t, "ctrl")
			client := f.readyClient(t, "client")
			id := f.startTransfer(t, "ctrl", client)

			require.NoError(t, f.send(t, "client", map[string]any{
				"type": TypeBackupStart, "backupId": id, "filename": "backup.zip",
			}))
			for _, idx := range order {
				require.NoError(t, f.send(t, "client", chunkMsg(id, idx, parts[idx])))
			}
			require.NoError(t, f.send(t, "client", completeMsg(id, len(parts), len(want))))
			f.waitSettled(t)

			assert.Equal(t, want, readArtifact(t, f, id))

			ready := ctrl.OfType(t, TypeBackupReady)
			require.Len(t, ready, 1)
			assert.Equal(t, "/download/"+id, ready[0]["downloadUrl"])
			assert.Equal(t, "backup.zip", ready[0]["filename"])
			assert.EqualValues(t, len(want), ready[0]["size"])

			summary, _ := f.broker.Transfer(id)
			assert.Equal(t, StatusCompleted, summary.Status)
			assert.True(t, summary.ArtifactReady)
			assert.Equal(t, 0, summary.BufferedChunks)
		})
	}
}

func TestChunkProgressNotices(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)
	ctrl.Reset()

	require.NoError(t, f.send(t, "client", chunkMsg(id, 1, []byte("abcd"))))
	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("ef"))))

	notices := ctrl.OfType(t, TypeChunkReceived)
	require.Len(t, notices, 2)
	assert.EqualValues(t, 1, notices[0]["chunkIndex"])
	assert.EqualValues(t, 4, notices[0]["size"])
	assert.EqualValues(t, 2, notices[1]["chunksReceived"])
	assert.EqualValues(t, 6, notices[1]["bytesReceived"])

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, StatusReceiving, summary.Status)
	assert.Equal(t, 2, summary.BufferedChunks)
}

func TestRepeatedChunkIndexReplacesPayload(t *testing.T) {
	f := newFixture(t, nil)
	f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("stale payload"))))
	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("fresh"))))
	require.NoError(t, f.send(t, "client", chunkMsg(id, 1, []byte("!"))))

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, 2, summary.ChunksReceived)
	assert.EqualValues(t, 6, summary.BytesReceived)

	require.NoError(t, f.send(t, "client", completeMsg(id, 2, 6)))
	f.waitSettled(t)
	assert.Equal(t, []byte("fresh!"), readArtifact(t, f, id))
}

func TestChunkForUnknownTransferCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	f.readyClient(t, "client")

	err := f.send(t, "client", chunkMsg("nobody-asked", 0, []byte("data")))
	require.ErrorIs(t, err, ErrUnknownTransfer)
	assert.Empty(t, f.broker.Transfers())
	assert.Empty(t, ctrl.OfType(t, TypeChunkReceived))
}

func TestEmptyBackupIDResolvesSingleActiveTransfer(t *testing.T) {
	f := newFixture(t, nil)
	f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg("", 0, []byte("data"))))
	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, 1, summary.ChunksReceived)

	f.startTransfer(t, "ctrl", client)
	err := f.send(t, "client", chunkMsg("", 1, []byte("more")))
	require.ErrorIs(t, err, ErrUnknownTransfer, "ambiguous with two active transfers")
}

func TestMissingChunkFailsMaterialization(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("aa"))))
	require.NoError(t, f.send(t, "client", chunkMsg(id, 2, []byte("cc"))))
	require.NoError(t, f.send(t, "client", completeMsg(id, 3, 6)))
	f.waitSettled(t)

	errs := ctrl.OfType(t, TypeBackupError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "missing chunks [1]")
	assert.Empty(t, ctrl.OfType(t, TypeBackupReady))

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.False(t, summary.ArtifactReady)
	assert.Empty(t, f.store.List())
}

func TestDeclaredSizeMismatchFails(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("hello"))))
	require.NoError(t, f.send(t, "client", completeMsg(id, 1, 999)))
	f.waitSettled(t)

	errs := ctrl.OfType(t, TypeBackupError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "declared 999")
	assert.Empty(t, f.store.List(), "the mismatched artifact is removed")
}

func TestOversizedChunkRejected(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxChunkSize = 8 })
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)
	ctrl.Reset()

	err := f.send(t, "client", chunkMsg(id, 0, []byte("way more than eight bytes")))
	require.ErrorIs(t, err, ErrChunkTooLarge)
	assert.Len(t, ctrl.OfType(t, TypeBackupError), 1)

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, 0, summary.ChunksReceived)
	assert.Equal(t, StatusStarted, summary.Status)
}

func TestCompleteTwiceIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("x"))))
	require.NoError(t, f.send(t, "client", completeMsg(id, 1, 1)))
	err := f.send(t, "client", completeMsg(id, 1, 1))
	require.ErrorIs(t, err, ErrInvalidTransition)

	f.waitSettled(t)
	err = f.send(t, "client", chunkMsg(id, 1, []byte("late")))
	require.ErrorIs(t, err, ErrInvalidTransition, "no chunks after completion")
}

func TestStartOnlyFromStarted(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	start := map[string]any{"type": TypeBackupStart, "backupId": id, "filename": "a.zip"}
	require.NoError(t, f.send(t, "client", start))
	assert.Len(t, ctrl.OfType(t, TypeBackupStart), 1)

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, StatusCreatingArchive, summary.Status)
	assert.Equal(t, "a.zip", summary.Filename)

	require.ErrorIs(t, f.send(t, "client", start), ErrInvalidTransition)
}

func TestErrorReportFailsTransfer(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)
	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("x"))))
	ctrl.Reset()

	require.NoError(t, f.send(t, "client", map[string]any{"type": TypeBackupError, "backupId": id, "error": "disk full"}))

	errs := ctrl.OfType(t, TypeBackupError)
	require.Len(t, errs, 1)
	assert.Equal(t, "disk full", errs[0]["error"])

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, "disk full", summary.Error)
	assert.Equal(t, 0, summary.BufferedChunks)

	err := f.send(t, "client", map[string]any{"type": TypeBackupError, "backupId": "ghost"})
	require.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestCancelByID(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)
	client.Reset()

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCancel, "backupId": id}))

	assert.Len(t, client.OfType(t, TypeBackupCancel), 1)
	cancelled := ctrl.OfType(t, TypeBackupCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, id, cancelled[0]["backupId"])

	summary, _ := f.broker.Transfer(id)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, "cancelled", summary.Error)
}

func TestCancelAllDropsActiveTransfers(t *testing.T) {
	f := newFixture(t, nil)
	f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	f.startTransfer(t, "ctrl", client)
	f.startTransfer(t, "ctrl", client)
	require.Len(t, f.broker.Transfers(), 2)

	require.NoError(t, f.send(t, "ctrl", map[string]any{"type": TypeBackupCancel}))

	assert.Empty(t, f.broker.Transfers())
	assert.Equal(t, 0, f.broker.Reassembler().ActiveCount())
}

func TestStatusReportRelayedAndSchedulesCleanup(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	client := f.readyClient(t, "client")
	id := f.startTransfer(t, "ctrl", client)

	require.NoError(t, f.send(t, "client", chunkMsg(id, 0, []byte("payload"))))
	require.NoError(t, f.send(t, "client", completeMsg(id, 1, 7)))
	f.waitSettled(t)

	require.NoError(t, f.send(t, "client", map[string]any{
		"type": TypeBackupStatus, "backupId": id, "status": "completed",
	}))
	assert.Len(t, ctrl.OfType(t, TypeBackupStatus), 1)

	info, err := f.store.Stat(id)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), info.ExpiresAt)
}

func TestStructuredStatusReportIsRelayed(t *testing.T) {
	f := newFixture(t, nil)
	ctrl := f.controller(t, "ctrl")
	f.readyClient(t, "client")

	require.NoError(t, f.send(t, "client", map[string]any{
		"type":   TypeBackupStatus,
		"status": map[string]any{"stage": "zipping", "pct": 40},
	}))

	reports := ctrl.OfType(t, TypeBackupStatus)
	require.Len(t, reports, 1)
	assert.Equal(t, map[string]any{"stage": "zipping", "pct": float64(40)}, reports[0]["status"])
}
