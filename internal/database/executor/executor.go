// Package executor runs queries with deadline enforcement, retry for
// transient failures, and timing instrumentation.
package executor

import (
	"context"
	"time"

	"github.com/relialab/dbcore/pkg/adapter"
	"github.com/relialab/dbcore/pkg/logger"
)

const (
	// slowQueryThreshold triggers a warning log entry.
	slowQueryThreshold = 5 * time.Second
	// logQueryLimit caps query text length in log output.
	logQueryLimit = 200
)

// Executor wraps one connection's DataOperator with policy enforcement.
type Executor struct {
	log            *logger.Logger
	defaultTimeout time.Duration
	slowThreshold  time.Duration
}

// New creates an executor. defaultTimeout applies when the caller's options
// carry no timeout of their own.
func New(log *logger.Logger, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = adapter.DefaultQueryTimeout
	}
	return &Executor{log: log, defaultTimeout: defaultTimeout, slowThreshold: slowQueryThreshold}
}

// Execute runs one query on the connection, applying the timeout and retry
// policy from opts. Retries re-run the full query; callers are responsible
// for only retrying idempotent statements, which the default policy assumes
// by retrying connection and timeout failures only.
func (e *Executor) Execute(ctx context.Context, conn adapter.Connection, query string, args []any, opts *adapter.QueryOptions) (*adapter.Result, error) {
	var merged adapter.QueryOptions
	if opts != nil {
		merged = *opts
	}
	merged = merged.Merge(adapter.QueryOptions{Timeout: e.defaultTimeout})

	policy := adapter.DefaultRetryPolicy()
	if merged.Retry != nil {
		policy = *merged.Retry
	}

	var result *adapter.Result
	var err error
	for attempt := 0; ; attempt++ {
		result, err = e.runOnce(ctx, conn, query, args, merged)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.Count || !policy.IsRetryable(err) {
			return nil, err
		}

		delay := policy.Delay << uint(attempt)
		e.log.Warnf("retrying query on %s after %s (attempt %d/%d): %v",
			conn.ID(), delay, attempt+1, policy.Count, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, adapter.NewError(conn.Type(), adapter.CodeTimeout, "query", ctx.Err())
		}
	}
}

// runOnce executes the query in a goroutine and races it against the
// deadline. On timeout it attempts a best-effort backend-side cancellation
// before reporting the timeout.
func (e *Executor) runOnce(ctx context.Context, conn adapter.Connection, query string, args []any, opts adapter.QueryOptions) (*adapter.Result, error) {
	qctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type outcome struct {
		result *adapter.Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	// The warning covers every exit path. A query that blows the deadline is
	// slow too, not just one that eventually completes.
	defer func() {
		if elapsed := time.Since(start); elapsed > e.slowThreshold {
			e.log.Warnf("slow query on %s (%s): %s", conn.ID(), elapsed, truncateQuery(query))
		}
	}()

	go func() {
		result, err := conn.Data().Query(qctx, query, args, opts)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			return nil, out.err
		}
		if out.result != nil && out.result.Duration == 0 {
			out.result.Duration = elapsed
		}
		return out.result, nil

	case <-qctx.Done():
		if cerr := conn.Data().CancelQuery(context.Background()); cerr != nil && !adapter.IsUnsupported(cerr) {
			e.log.Warnf("cancel after timeout on %s: %v", conn.ID(), cerr)
		}
		if ctx.Err() != nil {
			// The caller's context ended, not our per-query deadline.
			return nil, adapter.NewError(conn.Type(), adapter.CodeTimeout, "query", ctx.Err()).
				WithContext("query", truncateQuery(query))
		}
		return nil, adapter.NewError(conn.Type(), adapter.CodeTimeout, "query", context.DeadlineExceeded).
			WithContext("timeoutMs", opts.Timeout.Milliseconds()).
			WithContext("query", truncateQuery(query))
	}
}

func truncateQuery(query string) string {
	if len(query) <= logQueryLimit {
		return query
	}
	return query[:logQueryLimit] + "..."
}
