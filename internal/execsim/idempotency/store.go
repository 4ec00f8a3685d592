package idempotency

import (
	"context"
	"errors"
	"time"

	"gopherex.com/execsim/internal/execsim/domain"
)

var ErrEmptyKey = errors.New("idempotency key is empty")

// Record 写入后不再修改，只会被读取或过期
type Record struct {
	Key        string           `json:"key"`
	Execution  domain.Execution `json:"execution"`
	InsertedAt time.Time        `json:"inserted_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Store corr_id -> 已计算的 Fill/Reconcile
// Record 先写者赢：key 已存在时不覆盖，返回已有记录
type Store interface {
	Lookup(ctx context.Context, key string) (Record, bool, error)
	Record(ctx context.Context, key string, exec domain.Execution) (Record, error)
	Close() error
}
