// Package batch provides batched execution of large task lists on top of the
// adaptive worker pool.
//
// The remote grid service throttles aggressively (HTTP 429). Submitting
// hundreds of create/delete calls at once exhausts its budget, so tasks are
// run in fixed-size batches with a pause in between, and each batch picks up
// the worker count the concurrency controller currently allows.
//
// Example usage:
//
//	ctrl := concurrency.NewController(concurrency.DefaultConfig())
//	ctrl.Start(ctx)
//	defer ctrl.Stop()
//
//	sched := batch.NewScheduler(ctrl, batch.DefaultConfig())
//	results, err := batch.Process(ctx, sched, "create", tasks)
//
// The scheduler:
//   - Splits tasks into contiguous batches (default 20)
//   - Reads the current concurrency before every batch
//   - Reports rate-limited rejections to the controller and adjusts at once
//   - Pauses between batches (default 3s), never after the last one
//   - Returns one settled result per task, in input order
package batch
