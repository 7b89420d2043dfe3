package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendguard/spendguard/pkg/models"
)

func TestAlertChannelStore_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	store := NewAlertChannelStore(db)
	ctx := context.Background()

	ch := &models.AlertChannel{
		Name:    "ops-webhook",
		Type:    models.ChannelWebhook,
		Enabled: true,
		Config: models.ChannelConfig{
			URL:     "https://hooks.example.com/alerts",
			Headers: map[string]string{"Authorization": "Bearer x"},
		},
	}
	require.NoError(t, store.Create(ctx, ch))
	assert.NotEmpty(t, ch.ID)

	got, err := store.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops-webhook", got.Name)
	assert.Equal(t, models.ChannelWebhook, got.Type)
	assert.True(t, got.Enabled)
	assert.Equal(t, "https://hooks.example.com/alerts", got.Config.URL)
	assert.Equal(t, "Bearer x", got.Config.Headers["Authorization"])
}

func TestAlertChannelStore_Get_NotFound(t *testing.T) {
	db := newTestDB(t)
	store := NewAlertChannelStore(db)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlertChannelStore_ListEnabled(t *testing.T) {
	db := newTestDB(t)
	store := NewAlertChannelStore(db)
	ctx := context.Background()

	on := &models.AlertChannel{Name: "console", Type: models.ChannelConsole, Enabled: true}
	off := &models.AlertChannel{Name: "slack", Type: models.ChannelSlack, Enabled: false}
	require.NoError(t, store.Create(ctx, on))
	require.NoError(t, store.Create(ctx, off))

	all, err := store.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, on.ID, enabled[0].ID)

	require.NoError(t, store.SetEnabled(ctx, off.ID, true))
	enabled, err = store.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)
}

func TestAlertChannelStore_Delete(t *testing.T) {
	db := newTestDB(t)
	store := NewAlertChannelStore(db)
	ctx := context.Background()

	ch := &models.AlertChannel{Name: "console", Type: models.ChannelConsole, Enabled: true}
	require.NoError(t, store.Create(ctx, ch))

	require.NoError(t, store.Delete(ctx, ch.ID))
	_, err := store.Get(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again reports not found
	assert.ErrorIs(t, store.Delete(ctx, ch.ID), ErrNotFound)
	assert.ErrorIs(t, store.SetEnabled(ctx, ch.ID, false), ErrNotFound)
}
