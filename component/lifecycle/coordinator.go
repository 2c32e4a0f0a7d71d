// Package lifecycle supervises a run: the session driver and the exchanges
// sharing its connection, and the ordered teardown once they are done.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/semaphore"

	"h3exchange/component/exchange"
	"h3exchange/component/session"
	"h3exchange/utilities"
)

var log = utilities.NewLogger("lifecycle")

const defaultGrace = 5 * time.Second

// ErrSessionClosed cancels tasks still running when the session ended.
var ErrSessionClosed = errors.New("session closed")

// Task is one unit of work on the shared connection. It must return once ctx is done.
type Task func(ctx context.Context, opener exchange.Opener) error

// Fetch runs req and streams the response body to w. A nil w discards the body.
func Fetch(req *exchange.Request, w io.Writer) Task {
	if w == nil {
		w = io.Discard
	}
	return func(ctx context.Context, opener exchange.Opener) error {
		start := time.Now()
		resp, err := exchange.Do(ctx, opener, req, w)
		if err != nil {
			log.Errorf("❌ %s %s: %v", req.Method, req.URL, err)
			return err
		}
		log.Infof("✅ %s %s -> %d %s in %s", req.Method, req.URL, resp.Status, resp.Proto, time.Since(start))
		for k, v := range resp.Header {
			log.Debugf("   %s: %s", k, strings.Join(v, ", "))
		}
		return nil
	}
}

type Options struct {
	// Concurrency caps how many tasks run at once. Zero means no cap.
	Concurrency int
	// Grace bounds teardown once ctx is done or the driver failed. Zero means 5s.
	Grace time.Duration
}

// Coordinate runs the session driver and tasks until every task is done and the
// session has closed. A failing task does not affect its siblings; a failing
// driver cancels all of them. The returned error joins the driver's error and
// every task error.
func Coordinate(ctx context.Context, sess *session.Session, opts Options, tasks ...Task) error {
	taskErrs, driverErr := coordinate(ctx, sess, opts, tasks)
	return errors.Join(append([]error{driverErr}, taskErrs...)...)
}

func coordinate(ctx context.Context, sess *session.Session, opts Options, tasks []Task) ([]error, error) {
	var mu sync.Mutex
	errs := make([]error, len(tasks))
	setErr := func(i int, err error) {
		mu.Lock()
		errs[i] = err
		mu.Unlock()
	}
	grace := opts.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	limit := int64(opts.Concurrency)
	if limit <= 0 {
		limit = int64(max(len(tasks), 1))
	}

	root, err := sess.Sender()
	if err != nil {
		return errs, err
	}

	taskCtx, cancelTasks := context.WithCancelCause(ctx)
	defer cancelTasks(nil)

	var driverErr error
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		driverErr = sess.Drive(ctx)
		if driverErr != nil {
			cancelTasks(driverErr)
		} else {
			cancelTasks(ErrSessionClosed)
		}
	}()

	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup
	for i, task := range tasks {
		snd, err := root.Clone()
		if err != nil {
			setErr(i, err)
			continue
		}
		if err := sem.Acquire(taskCtx, 1); err != nil {
			snd.Release()
			setErr(i, context.Cause(taskCtx))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer snd.Release()

			ctx, cancel := context.WithCancel(taskCtx)
			defer cancel()
			setErr(i, task(ctx, snd))
		}()
	}
	// the session drains once the last task gives its sender back
	root.Release()

	tasksDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(tasksDone)
	}()
	if !waitBounded(tasksDone, taskCtx.Done(), grace) {
		log.Warnf("⚠️ tasks still running %s after cancellation, aborting session", grace)
		sess.Abort(quic.ApplicationErrorCode(http3.ErrCodeRequestCanceled), "teardown")
	}
	driverOK := waitBounded(driverDone, ctx.Done(), grace)

	mu.Lock()
	defer mu.Unlock()
	out := append([]error(nil), errs...)
	if !driverOK {
		return out, fmt.Errorf("session teardown exceeded %s: %w", grace, context.Cause(ctx))
	}
	return out, driverErr
}

// waitBounded waits for done. Once stop fires it waits at most grace longer.
func waitBounded(done, stop <-chan struct{}, grace time.Duration) bool {
	select {
	case <-done:
		return true
	case <-stop:
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
