package domain

// Resolution is the outcome of resolving a value that may legitimately be
// missing, such as the cluster key before its ceremony completes. Callers
// must handle Unavailable instead of receiving a placeholder.
type Resolution[T any] struct {
	value  T
	reason error
	ok     bool
}

// Resolved wraps an available value.
func Resolved[T any](v T) Resolution[T] {
	return Resolution[T]{value: v, ok: true}
}

// Unavailable records why no value could be resolved.
func Unavailable[T any](reason error) Resolution[T] {
	if reason == nil {
		reason = ErrNotFound
	}
	return Resolution[T]{reason: reason}
}

// OK reports whether a value is present.
func (r Resolution[T]) OK() bool { return r.ok }

// Reason is nil for resolved values.
func (r Resolution[T]) Reason() error { return r.reason }

// Get returns the value or the reason it is unavailable.
func (r Resolution[T]) Get() (T, error) {
	if !r.ok {
		var zero T
		return zero, r.reason
	}
	return r.value, nil
}
