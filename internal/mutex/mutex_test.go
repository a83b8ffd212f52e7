//go:build unix

package mutex

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

func newBackends(t *testing.T) map[string]Mutex {
	t.Helper()
	dir := t.TempDir()

	file, err := New(KindFile, Options{Dir: filepath.Join(dir, "files")})
	if err != nil {
		t.Fatalf("file: %v", err)
	}

	db, err := sql.Open("sqlite", "file:"+filepath.Join(dir, "locks.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	database, err := New(KindDatabase, Options{DB: db})
	if err != nil {
		t.Fatalf("database: %v", err)
	}

	flock, err := New(KindLockService, Options{Provider: ProviderFlock, Dir: filepath.Join(dir, "flock")})
	if err != nil {
		t.Fatalf("lockservice: %v", err)
	}

	out := map[string]Mutex{"file": file, "database": database, "lockservice": flock}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl, err := New(KindLockService, Options{Provider: ProviderRedis, Redis: client})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	out["redis"] = rl

	if addr := os.Getenv("CRONKEEPER_TEST_REDIS"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = client.Close() })
		r, err := New(KindLockService, Options{Provider: ProviderRedis, Redis: client, KeyPrefix: "cronkeeper-test:" + t.Name() + ":"})
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		out["redis-server"] = r
	}
	return out
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, m := range newBackends(t) {
		ok, err := m.Acquire(ctx, "task-1")
		if err != nil || !ok {
			t.Fatalf("%s: first Acquire = %v, %v", name, ok, err)
		}
		ok, err = m.Acquire(ctx, "task-1")
		if err != nil || ok {
			t.Fatalf("%s: second Acquire = %v, %v; want false", name, ok, err)
		}
		held, err := m.Exists(ctx, "task-1")
		if err != nil || !held {
			t.Fatalf("%s: Exists = %v, %v", name, held, err)
		}
		other, err := m.Exists(ctx, "task-2")
		if err != nil || other {
			t.Fatalf("%s: unrelated id reported held", name)
		}

		if ok, err := m.Release(ctx, "task-1"); err != nil || !ok {
			t.Fatalf("%s: Release = %v, %v", name, ok, err)
		}
		held, _ = m.Exists(ctx, "task-1")
		if held {
			t.Fatalf("%s: still held after release", name)
		}
		ok, err = m.Acquire(ctx, "task-1")
		if err != nil || !ok {
			t.Fatalf("%s: reacquire = %v, %v", name, ok, err)
		}
		_, _ = m.Release(ctx, "task-1")
	}
}

func TestReleaseUnheldIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, m := range newBackends(t) {
		for i := 0; i < 2; i++ {
			ok, err := m.Release(ctx, "never-acquired")
			if err != nil || !ok {
				t.Fatalf("%s: Release #%d = %v, %v", name, i, ok, err)
			}
		}
		held, err := m.Exists(ctx, "never-acquired")
		if err != nil || held {
			t.Fatalf("%s: Exists = %v, %v", name, held, err)
		}
	}
}

func TestEmptyIDRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, m := range newBackends(t) {
		if _, err := m.Acquire(ctx, " "); !fault.Is(err, fault.KindLock) {
			t.Fatalf("%s: empty id accepted: %v", name, err)
		}
	}
}

func TestLockServiceForeignRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	owner, err := New(KindLockService, Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	other, err := New(KindLockService, Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if ok, _ := owner.Acquire(ctx, "t"); !ok {
		t.Fatal("owner failed to acquire")
	}
	if ok, _ := other.Acquire(ctx, "t"); ok {
		t.Fatal("second holder acquired a held lock")
	}
	if held, _ := other.Exists(ctx, "t"); !held {
		t.Fatal("lock not visible to other holder")
	}
	// Without a local lease the release is a no-op.
	if ok, err := other.Release(ctx, "t"); err != nil || !ok {
		t.Fatalf("foreign Release = %v, %v", ok, err)
	}
	if held, _ := owner.Exists(ctx, "t"); !held {
		t.Fatal("foreign release dropped the lock")
	}
	if ok, _ := owner.Release(ctx, "t"); !ok {
		t.Fatal("owner release failed")
	}
	if held, _ := other.Exists(ctx, "t"); held {
		t.Fatal("lock still visible after owner release")
	}
}

func TestLockServiceReleaseAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	m, err := New(KindLockService, Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ls := m.(*LockServiceMutex)
	for _, id := range []string{"a", "b"} {
		if ok, _ := ls.Acquire(ctx, id); !ok {
			t.Fatalf("acquire %s failed", id)
		}
	}
	if n := ls.ReleaseAll(ctx); n != 2 {
		t.Fatalf("ReleaseAll = %d, want 2", n)
	}
	if n := ls.ReleaseAll(ctx); n != 0 {
		t.Fatalf("second ReleaseAll = %d, want 0", n)
	}
	other, _ := New(KindLockService, Options{Dir: dir})
	if ok, _ := other.Acquire(ctx, "a"); !ok {
		t.Fatal("lock still held after ReleaseAll")
	}
}

func TestFileMutexSharedAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	a, _ := NewFile(dir, logx.Nop())
	b, _ := NewFile(dir, logx.Nop())

	if ok, _ := a.Acquire(ctx, "t"); !ok {
		t.Fatal("acquire failed")
	}
	if ok, _ := b.Acquire(ctx, "t"); ok {
		t.Fatal("second instance acquired")
	}
	// Unlike the lock service, any instance may release a file lock.
	if ok, _ := b.Release(ctx, "t"); !ok {
		t.Fatal("release failed")
	}
	if held, _ := a.Exists(ctx, "t"); held {
		t.Fatal("lock survived release")
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	tests := map[string]Kind{
		"":                         KindFile,
		"local-file":               KindFile,
		"relational-row":           KindDatabase,
		"DATABASE":                 KindDatabase,
		"distributed-lock-service": KindLockService,
		"symfony":                  KindLockService,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("zookeeper"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("unknown kind accepted: %v", err)
	}
}

func TestRedisLeaseUnlockChecksToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewRedisService(client, "", 0)

	stale, ok, err := svc.TryLock(ctx, "t")
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if mr.TTL(svc.key("t")) != 0 {
		t.Fatalf("lease without ttl expires in %v", mr.TTL(svc.key("t")))
	}

	// Someone removes the key and another holder takes it.
	mr.Del(svc.key("t"))
	fresh, ok, err := svc.TryLock(ctx, "t")
	if err != nil || !ok {
		t.Fatalf("second TryLock = %v, %v", ok, err)
	}
	if err := stale.Unlock(ctx); err != nil {
		t.Fatalf("stale Unlock: %v", err)
	}
	if held, _ := svc.Held(ctx, "t"); !held {
		t.Fatal("stale lease deleted the new holder's key")
	}
	if err := fresh.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if mr.Exists(svc.key("t")) {
		t.Fatal("key left after owner unlock")
	}
}

func TestRedisLeaseTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewRedisService(client, "ck:", time.Minute)

	if _, ok, err := svc.TryLock(ctx, "t"); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := svc.TryLock(ctx, "t"); ok {
		t.Fatal("held key acquired twice")
	}
	if got := mr.TTL("ck:t"); got != time.Minute {
		t.Fatalf("ttl = %v", got)
	}
	mr.FastForward(2 * time.Minute)
	if held, _ := svc.Held(ctx, "t"); held {
		t.Fatal("lease outlived its ttl")
	}
}
