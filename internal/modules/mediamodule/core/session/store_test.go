package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/beatdrop/internal/database"
	mediaerrors "github.com/mantonx/beatdrop/internal/modules/mediamodule/errors"
	"github.com/mantonx/beatdrop/internal/modules/mediamodule/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&database.UploadSessionRecord{})
	require.NoError(t, err)

	return db
}

func setupRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"gorm": func(t *testing.T) Store {
			return NewGormStore(setupTestDB(t), hclog.NewNullLogger())
		},
		"redis": func(t *testing.T) Store {
			return NewRedisStore(setupRedis(t), "test:", hclog.NewNullLogger())
		},
	}
}

func testSession(id string, expiresAt time.Time) *types.UploadSession {
	now := time.Now().UTC()
	return &types.UploadSession{
		ID:             id,
		OwnerID:        "owner-1",
		Filename:       "beat.wav",
		ContentType:    "audio/wav",
		MediaType:      types.MediaTypeAudio,
		DeclaredSize:   55 * 1024 * 1024,
		ChunkSize:      5 * 1024 * 1024,
		TotalChunks:    11,
		UploadedChunks: []int{},
		Status:         types.StatusInitialized,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      expiresAt.UTC(),
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()

			s := testSession("s-1", time.Now().Add(time.Hour))
			require.NoError(t, store.Create(ctx, s))

			got, err := store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, types.StatusInitialized, got.Status)
			assert.Equal(t, 11, got.TotalChunks)

			err = store.Create(ctx, s)
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState))
			assert.ErrorIs(t, err, mediaerrors.ErrSessionExists)

			_, err = store.Get(ctx, "missing")
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound))
		})
	}
}

func TestStore_Transition(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testSession("s-1", time.Now().Add(time.Hour))))

			got, err := store.Transition(ctx, "s-1",
				[]types.Status{types.StatusInitialized, types.StatusUploading}, types.StatusProcessing, "")
			require.NoError(t, err)
			assert.Equal(t, types.StatusProcessing, got.Status)

			// processing is not a valid source for processing
			_, err = store.Transition(ctx, "s-1",
				[]types.Status{types.StatusInitialized, types.StatusUploading}, types.StatusProcessing, "")
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState))

			got, err = store.Transition(ctx, "s-1", []types.Status{types.StatusProcessing}, types.StatusFailed, "encode failed")
			require.NoError(t, err)
			assert.Equal(t, types.StatusFailed, got.Status)
			assert.Equal(t, "encode failed", got.FailureReason)

			// terminal
			_, err = store.Transition(ctx, "s-1", []types.Status{types.StatusFailed}, types.StatusCompleted, "")
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState))

			_, err = store.Transition(ctx, "missing", []types.Status{types.StatusInitialized}, types.StatusUploading, "")
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound))
		})
	}
}

func TestStore_ConcurrentTransitionHasOneWinner(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testSession("s-1", time.Now().Add(time.Hour))))

			const callers = 8
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				wins     int
				rejected int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.Transition(ctx, "s-1",
						[]types.Status{types.StatusInitialized, types.StatusUploading}, types.StatusProcessing, "")
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState) {
						rejected++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, wins)
			assert.Equal(t, callers-1, rejected)
		})
	}
}

func TestStore_MarkChunks(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, testSession("s-1", time.Now().Add(time.Hour))))

			got, err := store.MarkChunks(ctx, "s-1", []int{3, 0, 3, 11, -1})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 3}, got.UploadedChunks)

			got, err = store.MarkChunks(ctx, "s-1", []int{1})
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 3}, got.UploadedChunks)

			got, err = store.Get(ctx, "s-1")
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 3}, got.UploadedChunks)

			_, err = store.MarkChunks(ctx, "missing", []int{0})
			assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeNotFound))
		})
	}
}

func TestStore_ListExpired(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			require.NoError(t, store.Create(ctx, testSession("expired", now.Add(-time.Hour))))
			require.NoError(t, store.Create(ctx, testSession("live", now.Add(time.Hour))))

			done := testSession("done", now.Add(-time.Hour))
			require.NoError(t, store.Create(ctx, done))
			_, err := store.Transition(ctx, "done", []types.Status{types.StatusInitialized}, types.StatusProcessing, "")
			require.NoError(t, err)
			_, err = store.Transition(ctx, "done", []types.Status{types.StatusProcessing}, types.StatusCompleted, "")
			require.NoError(t, err)

			require.NoError(t, store.Create(ctx, testSession("busy", now.Add(-time.Hour))))
			_, err = store.Transition(ctx, "busy", []types.Status{types.StatusInitialized}, types.StatusProcessing, "")
			require.NoError(t, err)

			expired, err := store.ListExpired(ctx, now)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "expired", expired[0].ID)

			require.NoError(t, store.Delete(ctx, "expired"))
			expired, err = store.ListExpired(ctx, now)
			require.NoError(t, err)
			assert.Empty(t, expired)
		})
	}
}

func TestStore_ListExpiredAcrossTimeZones(t *testing.T) {
	east := time.FixedZone("UTC+10", 10*3600)
	west := time.FixedZone("UTC-10", -10*3600)

	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now()

			// wall clocks disagree with the instants they denote
			expired := testSession("expired", now.Add(-time.Hour))
			expired.ExpiresAt = expired.ExpiresAt.In(east)
			live := testSession("live", now.Add(time.Hour))
			live.ExpiresAt = live.ExpiresAt.In(west)
			require.NoError(t, store.Create(ctx, expired))
			require.NoError(t, store.Create(ctx, live))

			got, err := store.ListExpired(ctx, now.In(west))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "expired", got[0].ID)

			got, err = store.ListExpired(ctx, now.In(east))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "expired", got[0].ID)
		})
	}
}

func TestStore_ListCompletedBefore(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			require.NoError(t, store.Create(ctx, testSession("open", now.Add(time.Hour))))
			require.NoError(t, store.Create(ctx, testSession("done", now.Add(time.Hour))))
			_, err := store.Transition(ctx, "done", []types.Status{types.StatusInitialized}, types.StatusProcessing, "")
			require.NoError(t, err)
			_, err = store.Transition(ctx, "done", []types.Status{types.StatusProcessing}, types.StatusCompleted, "")
			require.NoError(t, err)

			done, err := store.ListCompletedBefore(ctx, now.Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, done)

			done, err = store.ListCompletedBefore(ctx, now.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, done, 1)
			assert.Equal(t, "done", done[0].ID)

			require.NoError(t, store.Delete(ctx, "done"))
			done, err = store.ListCompletedBefore(ctx, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, done)
		})
	}
}

func TestGormStore_TransitionRejectedByConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := NewGormStore(gdb, hclog.NewNullLogger())

	// a concurrent caller already claimed the session
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "upload_sessions" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT \* FROM "upload_sessions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "uploaded_chunks"}).
			AddRow("s-1", string(types.StatusProcessing), "[]"))

	_, err = store.Transition(context.Background(), "s-1",
		[]types.Status{types.StatusInitialized, types.StatusUploading}, types.StatusProcessing, "")
	assert.True(t, mediaerrors.IsType(err, mediaerrors.ErrorTypeInvalidState))
	assert.ErrorIs(t, err, mediaerrors.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_TransitionAppliesConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := NewGormStore(gdb, hclog.NewNullLogger())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "upload_sessions" SET .*WHERE .*id = \$\d+ AND status IN \(\$\d+,\$\d+\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT \* FROM "upload_sessions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "uploaded_chunks"}).
			AddRow("s-1", string(types.StatusProcessing), "[0,1]"))

	got, err := store.Transition(context.Background(), "s-1",
		[]types.Status{types.StatusInitialized, types.StatusUploading}, types.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.Equal(t, []int{0, 1}, got.UploadedChunks)
	assert.NoError(t, mock.ExpectationsWereMet())
}
