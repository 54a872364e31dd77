package pool

// Status tags a settled result.
type Status string

const (
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// Result is the settled outcome of one task: a value when fulfilled, a
// reason when rejected.
type Result[T any] struct {
	Status Status
	Value  T
	Err    error
}

// Fulfilled returns a successful result.
func Fulfilled[T any](v T) Result[T] {
	return Result[T]{Status: StatusFulfilled, Value: v}
}

// Rejected returns a failed result.
func Rejected[T any](err error) Result[T] {
	return Result[T]{Status: StatusRejected, Err: err}
}

// OK reports whether the task succeeded.
func (r Result[T]) OK() bool {
	return r.Status == StatusFulfilled
}

// Summary counts fulfilled and rejected results.
type Summary struct {
	Fulfilled   int
	Rejected    int
	RateLimited int
	Errors      []error
}

// Summarize tallies results. classify marks rejections that count as throttling.
func Summarize[T any](results []Result[T], classify func(error) bool) Summary {
	var s Summary
	for _, r := range results {
		if r.OK() {
			s.Fulfilled++
			continue
		}
		s.Rejected++
		s.Errors = append(s.Errors, r.Err)
		if classify != nil && classify(r.Err) {
			s.RateLimited++
		}
	}
	return s
}
