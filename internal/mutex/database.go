package mutex

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cronkeeper/internal/fault"
	logx "cronkeeper/pkg/logx"
)

// DatabaseMutex stores one task_locks row per held lock. It shares the
// store's database so a lock is visible to every process using that file.
type DatabaseMutex struct {
	db  *sql.DB
	log logx.Logger
}

func NewDatabase(db *sql.DB, log logx.Logger) (*DatabaseMutex, error) {
	if db == nil {
		return nil, fault.Validationf("database mutex requires a store handle")
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS task_locks (
		task_id     TEXT PRIMARY KEY,
		acquired_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fault.Lock("init", err)
	}
	return &DatabaseMutex{db: db, log: log}, nil
}

func (m *DatabaseMutex) Kind() Kind { return KindDatabase }

// Acquire inserts the row; a conflicting row means held.
func (m *DatabaseMutex) Acquire(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("acquire", taskID); err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx,
		`INSERT INTO task_locks(task_id, acquired_at) VALUES(?, ?) ON CONFLICT(task_id) DO NOTHING`,
		taskID, time.Now().Unix(),
	)
	if err != nil {
		return false, fault.Lock("acquire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fault.Lock("acquire", err)
	}
	return n == 1, nil
}

func (m *DatabaseMutex) Release(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("release", taskID); err != nil {
		return false, err
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ?`, taskID); err != nil {
		return false, fault.Lock("release", err)
	}
	return true, nil
}

func (m *DatabaseMutex) Exists(ctx context.Context, taskID string) (bool, error) {
	if err := requireID("exists", taskID); err != nil {
		return false, err
	}
	var one int
	err := m.db.QueryRowContext(ctx, `SELECT 1 FROM task_locks WHERE task_id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Lock("exists", err)
	}
	return true, nil
}
