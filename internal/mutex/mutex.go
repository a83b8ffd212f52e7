// Package mutex provides the per-task exclusion locks shared between the
// dispatcher and the wrapper processes.
//
// A lock is acquired by the dispatcher and released by the wrapper, usually
// from a different OS process, so every backend keeps its state outside the
// acquiring process.
package mutex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

// Mutex is a named, cross-process lock keyed by task id.
type Mutex interface {
	// Acquire takes the lock; false means another holder has it.
	Acquire(ctx context.Context, taskID string) (bool, error)
	// Release drops the lock. Releasing an unheld lock succeeds.
	Release(ctx context.Context, taskID string) (bool, error)
	// Exists reports whether the lock is currently held.
	Exists(ctx context.Context, taskID string) (bool, error)
	// Kind identifies the backend so another process can rebuild it.
	Kind() Kind
}

// Kind names a mutex backend.
type Kind string

const (
	KindFile        Kind = "file"
	KindDatabase    Kind = "database"
	KindLockService Kind = "lockservice"
)

// ParseKind accepts the canonical kind names and their aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file", "local-file":
		return KindFile, nil
	case "database", "db", "relational-row":
		return KindDatabase, nil
	case "lockservice", "lock-service", "distributed-lock-service", "symfony":
		return KindLockService, nil
	}
	return "", fault.Validationf("unknown mutex kind %q", s)
}

// Lock-service providers.
const (
	ProviderFlock = "flock"
	ProviderRedis = "redis"
)

// Options configures New. Only the fields of the selected kind are used.
type Options struct {
	// Dir holds lock files for KindFile and the flock provider.
	Dir string
	// DB is the store handle for KindDatabase.
	DB *sql.DB

	// Provider selects the KindLockService primitive (flock or redis).
	Provider string
	// Redis is an existing client; if nil one is built from RedisAddr.
	Redis     redis.UniversalClient
	RedisAddr string
	RedisDB   int
	// KeyPrefix namespaces redis keys.
	KeyPrefix string
	// TTL bounds redis leases; 0 keeps them until released.
	TTL time.Duration

	Log logx.Logger
}

// New builds the backend for kind.
func New(kind Kind, opts Options) (Mutex, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	log := opts.Log.With(logx.String("mutex", string(kind)))

	switch kind {
	case KindFile:
		return NewFile(opts.Dir, log)
	case KindDatabase:
		return NewDatabase(opts.DB, log)
	case KindLockService:
		svc, err := newProvider(opts)
		if err != nil {
			return nil, err
		}
		return NewLockService(svc, log), nil
	}
	return nil, fault.Validationf("unknown mutex kind %q", string(kind))
}

func newProvider(opts Options) (LockService, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", ProviderFlock:
		return NewFlockService(opts.Dir)
	case ProviderRedis:
		client := opts.Redis
		if client == nil {
			if strings.TrimSpace(opts.RedisAddr) == "" {
				return nil, fault.Validationf("mutex.redis_addr required for redis provider")
			}
			client = redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
		}
		return NewRedisService(client, opts.KeyPrefix, opts.TTL), nil
	}
	return nil, fault.Validationf("unknown lock service provider %q", opts.Provider)
}

func requireID(op, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return fault.Lock(op, fmt.Errorf("task id required"))
	}
	return nil
}
