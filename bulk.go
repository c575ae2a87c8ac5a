package resilientgateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency bounds how many bulk items are in flight at once.
const DefaultBulkConcurrency = 8

// ErrNoItems is returned by RunBulk when given nothing to do.
var ErrNoItems = errors.New("bulk operation requires at least one item")

// Outcome is the settled result of one bulk item.
type Outcome struct {
	Index    int
	Response *Response
	Err      error
}

func (o Outcome) OK() bool { return o.Err == nil }

// BulkResult is how partial failure is reported: callers inspect the counts.
type BulkResult struct {
	Successful int
	Failed     int
	Results    []Outcome // same order as the input items
}

// Err combines every item failure, or returns nil when all succeeded.
func (r *BulkResult) Err() error {
	var err error
	for _, o := range r.Results {
		if o.Err != nil {
			err = multierr.Append(err, fmt.Errorf("item %d: %w", o.Index, o.Err))
		}
	}
	return err
}

// Summary renders e.g. "2 of 3 orders updated".
func (r *BulkResult) Summary(noun, verb string) string {
	return fmt.Sprintf("%d of %d %s %s", r.Successful, len(r.Results), noun, verb)
}

type bulkOptions struct {
	concurrency int
}

// BulkOption customises RunBulk.
type BulkOption func(*bulkOptions)

// WithConcurrency bounds in-flight items. n <= 0 means unbounded.
func WithConcurrency(n int) BulkOption {
	return func(o *bulkOptions) { o.concurrency = n }
}

// RunBulk applies op to every item concurrently and waits for all of them to
// settle. Items are isolated: a failure (or panic) in one neither cancels nor
// retries the others. It only fails for an empty item list.
func RunBulk[T any](ctx context.Context, items []T, op func(ctx context.Context, item T) (*Response, error), opts ...BulkOption) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	o := bulkOptions{concurrency: DefaultBulkConcurrency}
	for _, opt := range opts {
		opt(&o)
	}

	results := make([]Outcome, len(items))

	// A plain Group (not WithContext): sibling failures must not cancel ctx.
	var g errgroup.Group
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i] = runItem(ctx, i, item, op)
			return nil
		})
	}
	_ = g.Wait()

	res := &BulkResult{Results: results}
	for _, out := range results {
		if out.Err == nil {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

func runItem[T any](ctx context.Context, i int, item T, op func(context.Context, T) (*Response, error)) (out Outcome) {
	out.Index = i
	defer func() {
		if r := recover(); r != nil {
			out.Response = nil
			out.Err = fmt.Errorf("bulk item panicked: %v", r)
		}
	}()
	out.Response, out.Err = op(ctx, item)
	return out
}

// SendBulk sends every descriptor through the pipeline and aggregates the
// outcomes.
func (gw *ResilientGateway) SendBulk(ctx context.Context, descs []*RequestDescriptor) (*BulkResult, error) {
	res, err := RunBulk(ctx, descs, gw.Send, WithConcurrency(gw.config.Bulk.Concurrency))
	if err != nil {
		return nil, err
	}
	for _, out := range res.Results {
		gw.metrics.bulkOutcome(out.OK())
	}
	gw.log.WithField("successful", res.Successful).WithField("failed", res.Failed).Debug("bulk operation settled")
	return res, nil
}
