package relay

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relayhub/internal/artifact"
	"github.com/Tyrowin/relayhub/internal/testutil"
)

type fixture struct {
	broker *Broker
	clock  *clock.Mock
	store  *artifact.Store
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := artifact.NewStore(t.TempDir(), clk)
	require.NoError(t, err)

	// The loop never ticks inside a test; sweeps are driven by hand.
	opts := Options{
		HeartbeatInterval: 24 * time.Hour,
		TransferDeadline:  10 * time.Minute,
		StateGrace:        time.Minute,
		ArtifactTTL:       5 * time.Minute,
		Clock:             clk,
	}
	if tweak != nil {
		tweak(&opts)
	}
	b := New(store, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return &fixture{broker: b, clock: clk, store: store}
}

// connect attaches a fake handle under id.
func (f *fixture) connect(t *testing.T, id ConnID) *testutil.FakeHandle {
	t.Helper()
	h := testutil.NewFakeHandle()
	require.NoError(t, f.broker.Attach(id, h, nil))
	return h
}

// send routes one JSON frame from id.
func (f *fixture) send(t *testing.T, id ConnID, v any) error {
	t.Helper()
	return f.broker.HandleFrame(id, testutil.MustJSON(t, v))
}

// controller connects and registers a controller.
func (f *fixture) controller(t *testing.T, id ConnID) *testutil.FakeHandle {
	t.Helper()
	h := f.connect(t, id)
	require.NoError(t, f.send(t, id, map[string]any{"type": TypeControllerRegister}))
	h.Reset()
	return h
}

// readyClient connects a transfer client and completes both handshakes.
func (f *fixture) readyClient(t *testing.T, id ConnID) *testutil.FakeHandle {
	t.Helper()
	h := f.connect(t, id)
	require.NoError(t, f.send(t, id, map[string]any{"type": TypeTransferRegister}))
	require.NoError(t, f.send(t, id, map[string]any{"type": TypeTransferReady}))
	require.NoError(t, f.send(t, id, map[string]any{"type": TypePathConfirmed}))
	h.Reset()
	return h
}

// startTransfer issues a command from controller and returns the allocated id.
func (f *fixture) startTransfer(t *testing.T, controller ConnID, client *testutil.FakeHandle) string {
	t.Helper()
	require.NoError(t, f.send(t, controller, map[string]any{"type": TypeBackupCommand}))
	cmds := client.OfType(t, TypeBackupCommand)
	require.NotEmpty(t, cmds)
	id, ok := cmds[len(cmds)-1]["backupId"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)
	return id
}

func chunkMsg(id string, index int, payload []byte) map[string]any {
	return map[string]any{
		"type":       TypeBackupChunk,
		"backupId":   id,
		"chunkIndex": index,
		"data":       base64.StdEncoding.EncodeToString(payload),
		"size":       len(payload),
	}
}

func completeMsg(id string, chunks int, size int) map[string]any {
	return map[string]any{
		"type":        TypeBackupComplete,
		"backupId":    id,
		"totalChunks": chunks,
		"totalSize":   size,
	}
}

// waitSettled blocks until background materialization finished.
func (f *fixture) waitSettled(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.broker.Reassembler().Wait(ctx))
}
