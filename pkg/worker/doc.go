// Package worker provides a generic bounded worker pool.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull tells the caller the workers are not keeping up. Stop closes
// the queue, lets the workers drain it, and gives up after the timeout.
//
//	pool, err := worker.NewPool(4, 1024, func(ctx context.Context, msg []byte) error {
//	    return handle(ctx, msg)
//	}, worker.WithMetricsRegistry[[]byte](registry, "ingest"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Counters in Stats are always maintained. Prometheus metrics are exported
// only when a registry is supplied.
package worker
