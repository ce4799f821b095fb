package errors

import (
	"testing"
)

func BenchmarkNewAppError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NewAppError(ErrCodeValidationFailed, "test error", nil)
	}
}

func BenchmarkWrapError(b *testing.B) {
	originalErr := NewAppError(ErrCodeInternal, "original", nil)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = WrapError(originalErr, ErrCodePersistenceFailed, "wrapped error")
	}
}
