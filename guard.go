package dslock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Guard releases a held lock exactly once.
//
//	g, err := locker.Lock(ctx, time.Minute)
//	if err != nil {
//		return err
//	}
//	defer g.Close()
type Guard struct {
	locker *Locker
	token  Token

	once sync.Once
	err  error
}

// Lock acquires the lock and wraps the token in a Guard.
func (l *Locker) Lock(ctx context.Context, timeout time.Duration) (*Guard, error) {
	tok, err := l.Acquire(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return &Guard{locker: l, token: tok}, nil
}

// Token returns the token the guard was created with.
func (g *Guard) Token() Token {
	return g.token
}

// Locker returns the Locker that issued the guard.
func (g *Guard) Locker() *Locker {
	return g.locker
}

// Close releases the lock. Later calls return the first result.
func (g *Guard) Close() error {
	g.once.Do(func() {
		g.err = g.locker.Release(context.Background(), g.token)
	})
	return g.err
}

// Do acquires the lock, runs fn while holding it and releases it afterwards,
// also when fn panics (the panic continues after the release). The release
// error is joined with fn's error.
func (l *Locker) Do(ctx context.Context, timeout time.Duration, fn func(context.Context, Token) error) (err error) {
	g, err := l.Lock(ctx, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = g.Close()
			panic(r)
		}
		err = errors.Join(err, g.Close())
	}()
	return fn(ctx, g.Token())
}

// WithLock is the one-shot form of Locker.Do.
func WithLock(ctx context.Context, dir, dataset string, timeout time.Duration, fn func(context.Context, Token) error, opts ...Option) error {
	l, err := New(dir, dataset, opts...)
	if err != nil {
		return err
	}
	return l.Do(ctx, timeout, fn)
}
