package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/social-publisher/internal/apperr"
	"github.com/jmehdipour/social-publisher/internal/util"
	"github.com/redis/go-redis/v9"
)

// ErrBusy means another worker held the lease for the whole wait.
var ErrBusy = apperr.New(apperr.KindTransient, "lease.Acquire", "account is busy with another operation")

// Locker serializes work per key across workers.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// AccountKey is the lease key shared by refresh and publish paths.
func AccountKey(accountID int64) string {
	return fmt.Sprintf("lease:account:%d", accountID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	rdb  *redis.Client
	ttl  time.Duration
	wait time.Duration
	poll time.Duration
}

func NewRedis(rdb *redis.Client, ttl, wait, poll time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Redis{rdb: rdb, ttl: ttl, wait: wait, poll: poll}
}

var _ Locker = (*Redis)(nil)

func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := util.NewID()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "lease.Acquire", "lease store unavailable", err)
		}
		if ok {
			return func() {
				// release must outlive a cancelled caller context
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
			}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrBusy
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Local is an in-process Locker for single-process runs and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
	wait time.Duration
}

func NewLocal(wait time.Duration) *Local {
	return &Local{held: map[string]chan struct{}{}, wait: wait}
}

var _ Locker = (*Local)(nil)

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			done := make(chan struct{})
			l.held[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, ErrBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsBusy reports whether err came from a lease wait timing out.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
