package utils

// Must returns obj, or panics if err is not nil. For process setup only.
func Must[T any](obj T, err error) T {
	if err != nil {
		panic(err)
	}
	return obj
}
