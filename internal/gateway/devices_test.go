package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/smsgate/internal/db"
	"github.com/lalithlochan/smsgate/internal/status"
)

func TestRegisterDevice_Idempotent(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	first, err := h.svc.RegisterDevice(ctx, h.userID, RegisterInput{Model: "Pixel 8", BuildID: "AP1A", PushToken: "t1", AppVersionCode: 14})
	require.NoError(t, err)
	assert.True(t, first.Enabled)

	second, err := h.svc.RegisterDevice(ctx, h.userID, RegisterInput{Model: "Pixel 8", BuildID: "AP1A", PushToken: "t2", AppVersionCode: 15})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "t2", second.PushToken)
	assert.Equal(t, 15, second.AppVersionCode)

	devices, err := h.svc.ListDevices(ctx, h.userID)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = h.svc.RegisterDevice(ctx, h.userID, RegisterInput{Model: "Pixel 8"})
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestUpdateAndDeleteDevice(t *testing.T) {
	h := newHarness(t, false)
	d := h.store.addDevice(h.userID, true)
	ctx := context.Background()

	off := false
	updated, err := h.svc.UpdateDevice(ctx, h.userID, d.ID, DeviceUpdateInput{Enabled: &off})
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, d.PushToken, updated.PushToken)

	_, err = h.svc.UpdateDevice(ctx, uuid.New(), d.ID, DeviceUpdateInput{Enabled: &off})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, h.svc.DeleteDevice(ctx, h.userID, d.ID))
	_, err = h.store.GetDevice(ctx, d.ID)
	assert.NoError(t, err, "delete keeps the device")

	assert.ErrorIs(t, h.svc.DeleteDevice(ctx, h.userID, uuid.New()), ErrDeviceNotFound)
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t, false)
	d := h.store.addDevice(h.userID, true)
	ctx := context.Background()

	token := "fresh-token"
	require.NoError(t, h.svc.Heartbeat(ctx, h.userID, d.ID, &token))
	got := h.store.deviceSnapshot(d.ID)
	assert.Equal(t, h.now, *got.LastHeartbeat)
	assert.Equal(t, token, got.PushToken)

	empty := ""
	require.NoError(t, h.svc.Heartbeat(ctx, h.userID, d.ID, &empty))
	assert.Equal(t, token, h.store.deviceSnapshot(d.ID).PushToken)
}

func TestCheckHeartbeats(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	stale := h.store.addDevice(h.userID, true)
	never := h.store.addDevice(h.userID, true)
	fresh := h.store.addDevice(h.userID, true)
	disabled := h.store.addDevice(h.userID, false)

	old := h.now.Add(-time.Hour)
	recent := h.now.Add(-5 * time.Minute)
	require.NoError(t, h.store.TouchHeartbeat(ctx, stale.ID, old, nil))
	require.NoError(t, h.store.TouchHeartbeat(ctx, fresh.ID, recent, nil))
	require.NoError(t, h.store.TouchHeartbeat(ctx, disabled.ID, old, nil))

	sent, err := h.svc.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.ElementsMatch(t, []string{stale.PushToken, never.PushToken}, h.dispatcher.tokens)
	for _, call := range h.dispatcher.calls {
		require.Len(t, call, 1)
		assert.Equal(t, "heartbeat_check", call[0].Data["type"])
	}
}

func TestReads(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	d, batchID, ids := directBatch(t, h, "+1", "+2", "+3")
	at := time.Now()
	_, err := h.svc.ReceiveSMS(ctx, h.userID, d.ID, ReceiveInput{Sender: "+9", Message: "in", ReceivedAt: &at})
	require.NoError(t, err)

	page, err := h.svc.ListMessages(ctx, h.userID, d.ID, KindAll, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, PageMeta{Page: 1, Limit: 2, Total: 4, TotalPages: 2}, page.Meta)
	assert.Len(t, page.Data, 2)

	page, err = h.svc.ListMessages(ctx, h.userID, d.ID, KindSent, 0, 500)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Meta.Limit)
	assert.Equal(t, 3, page.Meta.Total)

	received, err := h.svc.ListReceived(ctx, h.userID, d.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, received.Data, 1)
	assert.Equal(t, db.DirectionReceived, received.Data[0].Direction)
	assert.Equal(t, DefaultPageSize, received.Meta.Limit)

	msg, err := h.svc.GetMessage(ctx, h.userID, d.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ids[0], msg.ID)

	other := h.store.addDevice(h.userID, true)
	_, err = h.svc.GetMessage(ctx, h.userID, other.ID, ids[0])
	assert.ErrorIs(t, err, ErrMessageNotFound)

	detail, err := h.svc.GetBatch(ctx, h.userID, d.ID, batchID)
	require.NoError(t, err)
	assert.Equal(t, status.BatchCompleted, detail.Batch.Status)
	assert.Len(t, detail.Messages, 3)

	_, err = h.svc.GetBatch(ctx, h.userID, other.ID, batchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)

	stats, err := h.svc.Stats(ctx, h.userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalSentSMSCount)
	assert.Equal(t, int64(1), stats.TotalReceivedSMSCount)
	assert.Equal(t, int64(2), stats.TotalDeviceCount)
}
