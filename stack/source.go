package stack

import (
	"context"
	"fmt"

	"github.com/hb9tf/groundhog/pool"
)

// Source hands filled buffers to the stacker in stream order. Next returns
// ctx.Err() once ctx is done and io.EOF when no more buffers will ever arrive.
type Source interface {
	Next(ctx context.Context) (pool.Handle, error)
	Release(h pool.Handle)
}

// PoolSource reads the full queue of a pool fed by a continuous producer.
type PoolSource struct {
	Pool *pool.Pool
}

func (s PoolSource) Next(ctx context.Context) (pool.Handle, error) {
	return s.Pool.Full.Pop(ctx)
}

func (s PoolSource) Release(h pool.Handle) {
	s.Pool.Release(h)
}

// Status reports the queue depths for the progress log.
func (s PoolSource) Status() string {
	return fmt.Sprintf("free=%d full=%d", s.Pool.Free.Size(), s.Pool.Full.Size())
}
