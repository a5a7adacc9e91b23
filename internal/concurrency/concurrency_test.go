package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTry(t *testing.T) {
	var testcases = map[string]struct {
		fn      func() error
		wantErr bool
		panic   bool
	}{
		`no_error`: {
			fn: func() error { return nil },
		},
		`error`: {
			fn:      func() error { return errors.New("boom") },
			wantErr: true,
		},
		`panic`: {
			fn:      func() error { panic("boom") },
			wantErr: true,
			panic:   true,
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			err := Try(tc.fn)
			if !tc.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.ErrorContains(t, err, "boom")

			var recovered *panics.ErrRecovered
			require.Equal(t, tc.panic, errors.As(err, &recovered))
		})
	}
}

func TestNewPoolCancelsSiblings(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	errBoom := errors.New("boom")
	p := NewPool(context.Background(), 2)

	var cancelled atomic.Bool
	p.Go(func(ctx context.Context) error {
		return errBoom
	})
	p.Go(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			cancelled.Store(true)
		case <-time.After(time.Second):
		}
		return nil
	})

	require.ErrorIs(t, p.Wait(), errBoom)
	require.True(t, cancelled.Load())
}

func TestNewIsolatedPoolKeepsSiblings(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	errBoom := errors.New("boom")
	p := NewIsolatedPool(context.Background(), 2)

	var finished atomic.Bool
	p.Go(func(ctx context.Context) error {
		return errBoom
	})
	p.Go(func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() == nil {
			finished.Store(true)
		}
		return nil
	})

	require.ErrorIs(t, p.Wait(), errBoom)
	require.True(t, finished.Load())
}
