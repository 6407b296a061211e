package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleetcore/internal/config"
	"fleetcore/pkg/contracts/domain"
)

// newTestDB creates an in-memory sqlite database closed at test end.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func TestDeviceStore_FindByIdentity(t *testing.T) {
	ctx := context.Background()
	store := NewDeviceStore(newTestDB(t))

	rec, err := store.FindByIdentity(ctx, "missing-device")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	_, err = store.Enroll(ctx, &domain.DeviceRecord{DeviceID: "device-1", Name: "kiosk"})
	require.NoError(t, err)

	rec, err = store.FindByIdentity(ctx, "device-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "kiosk", rec.Name)
	assert.Nil(t, rec.LastSeenAt)
}

func TestDeviceStore_UpdateLastSeen(t *testing.T) {
	ctx := context.Background()
	store := NewDeviceStore(newTestDB(t))

	assert.NoError(t, store.UpdateLastSeen(ctx, "unknown", time.Now()))

	_, err := store.Enroll(ctx, &domain.DeviceRecord{DeviceID: "device-1"})
	require.NoError(t, err)

	at := time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, store.UpdateLastSeen(ctx, "device-1", at))

	rec, err := store.FindByIdentity(ctx, "device-1")
	require.NoError(t, err)
	require.NotNil(t, rec.LastSeenAt)
	assert.True(t, at.Equal(*rec.LastSeenAt))
}

func TestDeviceStore_EnrollUpserts(t *testing.T) {
	ctx := context.Background()
	store := NewDeviceStore(newTestDB(t))

	first, err := store.Enroll(ctx, &domain.DeviceRecord{DeviceID: "device-1", Name: "old"})
	require.NoError(t, err)

	second, err := store.Enroll(ctx, &domain.DeviceRecord{DeviceID: "device-1", Name: "new", SubjectID: "acme"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "new", second.Name)
	assert.Equal(t, "acme", second.SubjectID)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAuditStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewAuditStore(newTestDB(t))

	assert.ErrorIs(t, store.Append(ctx, nil), ErrNilRecord)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &domain.AuditRecord{
			ExecutedAt:       base.Add(time.Duration(i) * time.Minute),
			DeviceID:         "device-1",
			ActionDescriptor: fmt.Sprintf("export-%d", i),
			Outcome:          domain.OutcomeSuccess,
			CorrelationID:    fmt.Sprintf("corr-%d", i),
		}
		require.NoError(t, store.Append(ctx, rec))
		assert.NotZero(t, rec.ID)
	}
	require.NoError(t, store.Append(ctx, &domain.AuditRecord{
		ExecutedAt: base, DeviceID: "device-2", ActionDescriptor: "report", Outcome: domain.OutcomeDenied,
	}))

	recent, err := store.Recent(ctx, "device-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "export-2", recent[0].ActionDescriptor)
	assert.Equal(t, "corr-1", recent[1].CorrelationID)

	all, err := store.Recent(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestNewDatabase_File(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "fleet.db")
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := NewDatabase(config.DatabaseConfig{DSN: dsn}, l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })

	assert.NoError(t, Ping(db))
	assert.True(t, db.Migrator().HasTable(&DeviceRegistration{}))
	assert.True(t, db.Migrator().HasTable(&AuditLog{}))

	_, err = os.Stat(dsn)
	assert.NoError(t, err)
}

func TestEnsureDir(t *testing.T) {
	assert.NoError(t, ensureDir(":memory:"))
	assert.NoError(t, ensureDir("file:x?mode=memory&cache=shared"))
	assert.NoError(t, ensureDir("fleet.db"))

	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, ensureDir("file:"+filepath.Join(dir, "fleet.db")+"?_busy_timeout=5000"))
	_, err := os.Stat(dir)
	assert.NoError(t, err)
}
