package protected

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"secure-storage/internal/errkind"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	url := os.Getenv("MONGO_TEST_URL")
	if url == "" {
		t.Skip("跳過測試：未設定 MONGO_TEST_URL")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(url))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("跳過測試：MongoDB 無法連線: %v", err)
	}

	db := client.Database("secure_storage_test_" + strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s, err := NewMongoStore(ctx, db)
	require.NoError(t, err)
	return s
}

func TestValidateKey(t *testing.T) {
	valid := []string{"a", "credential.access_token", "KEY-1.2_3", strings.Repeat("x", 256)}
	for _, k := range valid {
		assert.NoError(t, ValidateKey(k), k)
	}

	invalid := []string{"", strings.Repeat("x", 257), "has space", "slash/key", "emoji🔑", "semi;colon", "quote'"}
	for _, k := range invalid {
		err := ValidateKey(k)
		assert.ErrorIs(t, err, ErrInvalidKey, k)
		assert.Equal(t, errkind.Format, errkind.Of(err))
	}
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newTestSQLiteStore(t) },
		"mongo":  func(t *testing.T) Store { return newTestMongoStore(t) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("PutGetRoundTrip", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				require.NoError(t, s.Put(ctx, "token.access", []byte("secret")))
				got, err := s.Get(ctx, "token.access")
				require.NoError(t, err)
				assert.Equal(t, []byte("secret"), got)

				// 覆寫
				require.NoError(t, s.Put(ctx, "token.access", []byte("rotated")))
				got, err = s.Get(ctx, "token.access")
				require.NoError(t, err)
				assert.Equal(t, []byte("rotated"), got)
			})

			t.Run("GetMissing", func(t *testing.T) {
				s := open(t)
				_, err := s.Get(context.Background(), "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ExistsAndDelete", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				ok, err := s.Exists(ctx, "k1")
				require.NoError(t, err)
				assert.False(t, ok)

				require.NoError(t, s.Put(ctx, "k1", []byte{0x00, 0xff}))
				ok, err = s.Exists(ctx, "k1")
				require.NoError(t, err)
				assert.True(t, ok)

				require.NoError(t, s.Delete(ctx, "k1"))
				ok, err = s.Exists(ctx, "k1")
				require.NoError(t, err)
				assert.False(t, ok)

				// 刪除不存在的金鑰不是錯誤
				assert.NoError(t, s.Delete(ctx, "k1"))
			})

			t.Run("RejectsInvalidKeys", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				assert.ErrorIs(t, s.Put(ctx, "bad key", []byte("x")), ErrInvalidKey)
				_, err := s.Get(ctx, "")
				assert.ErrorIs(t, err, ErrInvalidKey)
				assert.ErrorIs(t, s.Delete(ctx, "a/b"), ErrInvalidKey)
				_, err = s.Exists(ctx, "a b")
				assert.ErrorIs(t, err, ErrInvalidKey)
			})

			t.Run("KeysByPrefix", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				for _, k := range []string{"app_b", "app_a", "appXa", "other"} {
					require.NoError(t, s.Put(ctx, k, []byte(k)))
				}

				keys, err := s.Keys(ctx, "app_")
				require.NoError(t, err)
				assert.Equal(t, []string{"app_a", "app_b"}, keys)

				all, err := s.Keys(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 4)
			})

			t.Run("Wipe", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()
				require.NoError(t, s.Put(ctx, "facade.a", []byte("1")))
				require.NoError(t, s.Put(ctx, "facade.b", []byte("2")))
				require.NoError(t, s.Put(ctx, "keep", []byte("3")))

				n, err := Wipe(ctx, s, "facade.")
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				ok, err := s.Exists(ctx, "keep")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("ConcurrentPuts", func(t *testing.T) {
				s := open(t)
				ctx := context.Background()

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						key := "item." + string(rune('a'+i))
						assert.NoError(t, s.Put(ctx, key, []byte{byte(i)}))
					}(i)
				}
				wg.Wait()

				keys, err := s.Keys(ctx, "item.")
				require.NoError(t, err)
				assert.Len(t, keys, 20)
			})
		})
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	value := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'Y'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}
