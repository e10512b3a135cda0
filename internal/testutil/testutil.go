package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/legacyvault/legacyvault/internal/idgen"
	"github.com/legacyvault/legacyvault/internal/model"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 420420

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// ResetSchema runs every down migration newest first, then every up
// migration oldest first, leaving an empty current schema. The
// schema_migrations table of golang-migrate is left alone.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	root, err := ProjectRoot()
	if err != nil {
		return err
	}
	dir := filepath.Join(root, "migrations")

	downs, err := filepath.Glob(filepath.Join(dir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("list down migrations: %w", err)
	}
	ups, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("list up migrations: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	sort.Strings(ups)

	for _, path := range append(downs, ups...) {
		sql, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ProjectRoot returns the project root directory.
func ProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to resolve testutil path")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	return root, nil
}

// ============================================================================
// Test Data Factories
// ============================================================================

var seq atomic.Int64

// UniqueID generates a unique ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

// UniqueMobile generates a unique E.164 number in the 555 test range.
func UniqueMobile() string {
	return fmt.Sprintf("+1415555%04d", seq.Add(1)%10000)
}

// NewTestUser creates a verified user with unique contact details.
func NewTestUser(t testing.TB) *model.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := idgen.New()
	return &model.User{
		ID:               id,
		FirstName:        "Test",
		LastName:         "User",
		Email:            strings.ToLower(id) + "@example.com",
		Mobile:           UniqueMobile(),
		DOB:              time.Date(1960, 5, 17, 0, 0, 0, 0, time.UTC),
		PasswordHash:     "$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		MobileVerifiedAt: &now,
		LastActiveAt:     now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NewTestPolicy returns a valid policy for userID: threshold 3, 30 day
// interval, 72 hour response timeout over email then SMS.
func NewTestPolicy(userID string) *model.InactivityPolicy {
	return &model.InactivityPolicy{
		UserID:           userID,
		Enabled:          true,
		CheckInThreshold: 3,
		Interval:         30 * 24 * time.Hour,
		ResponseTimeout:  72 * time.Hour,
		Channels:         []model.Channel{model.ChannelEmail, model.ChannelSMS},
		UpdatedAt:        time.Now().UTC().Truncate(time.Microsecond),
	}
}

// NewTestAsset creates an asset owned by userID.
func NewTestAsset(t testing.TB, userID string, visibility model.Visibility, delay time.Duration) *model.Asset {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := idgen.New()
	return &model.Asset{
		ID:         id,
		UserID:     userID,
		Ref:        "ref-" + strings.ToLower(id),
		Title:      "Test asset",
		Visibility: visibility,
		Delay:      delay,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewTestNominee creates a nominee of userID assigned to assetIDs.
func NewTestNominee(t testing.TB, userID string, share int, assetIDs ...string) *model.Nominee {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := idgen.New()
	return &model.Nominee{
		ID:           id,
		UserID:       userID,
		Name:         "Test Nominee",
		Email:        strings.ToLower(id) + "@nominee.example.com",
		Phone:        UniqueMobile(),
		AccessLevel:  model.AccessLevelFull,
		SharePercent: share,
		AssetIDs:     assetIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
