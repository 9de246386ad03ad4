package chatcontext

// result is the outcome of a best-effort step.
type result[T any] struct {
	value T
	err   error
}

func ok[T any](v T) result[T] {
	return result[T]{value: v}
}

func failed[T any](err error) result[T] {
	return result[T]{err: err}
}

// orElse returns the value, or def when the step failed.
func (r result[T]) orElse(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}
