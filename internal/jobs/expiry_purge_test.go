package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/store/file"
)

func seedLicense(t *testing.T, st *file.Store, key string, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, st.InsertLicense(context.Background(), &store.License{
		Key:       key,
		KeyPrefix: "AB",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}))
}

func TestExpiryPurgeDisabledReturnsImmediately(t *testing.T) {
	st, err := file.Open("")
	require.NoError(t, err)

	job := NewExpiryPurge(st, false, 60)

	done := make(chan struct{})
	go func() {
		job.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled job did not return")
	}
}

func TestExpiryPurgeRemovesOnlyExpiredKeys(t *testing.T) {
	st, err := file.Open("")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	seedLicense(t, st, "AB-EXPIRED", &past)
	seedLicense(t, st, "AB-LIVE", &future)
	seedLicense(t, st, "AB-FOREVER", nil)

	job := NewExpiryPurge(st, true, 60)
	go job.Start(context.Background())
	defer job.Stop()

	// The first pass runs immediately on start.
	assert.Eventually(t, func() bool {
		_, err := st.GetLicense(context.Background(), "AB-EXPIRED")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = st.GetLicense(context.Background(), "AB-LIVE")
	assert.NoError(t, err)
	_, err = st.GetLicense(context.Background(), "AB-FOREVER")
	assert.NoError(t, err)
}

func TestExpiryPurgeStopUnblocksLoop(t *testing.T) {
	st, err := file.Open("")
	require.NoError(t, err)

	job := NewExpiryPurge(st, true, 60)

	done := make(chan struct{})
	go func() {
		job.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	job.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purge loop did not stop")
	}
}
