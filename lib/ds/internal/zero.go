package internal

func Zero[T any]() (v T) { return }
