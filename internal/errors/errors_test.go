package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestRootcauseErrorIs(t *testing.T) {
	t.Parallel()

	err := New(SnapshotUnavailable, "reading tree", fmt.Errorf("permission denied"))
	wrapped := fmt.Errorf("analyze: %w", err)

	if !errors.Is(wrapped, ErrSnapshotUnavailable) {
		t.Error("expected wrapped error to match ErrSnapshotUnavailable")
	}
	if errors.Is(wrapped, ErrEmptyTrace) {
		t.Error("did not expect match with ErrEmptyTrace")
	}
	if got := CodeOf(wrapped); got != SnapshotUnavailable {
		t.Errorf("CodeOf = %q, want %q", got, SnapshotUnavailable)
	}
}

func TestRootcauseErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *RootcauseError
		want string
	}{
		{"no cause", New(EmptyTrace, "no frames", nil), "[EMPTY_TRACE] no frames"},
		{"with cause", New(IndexCanceled, "indexing", errors.New("context canceled")), "[INDEX_CANCELED] indexing: context canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCodeOfPlainError(t *testing.T) {
	t.Parallel()

	if got := CodeOf(errors.New("boom")); got != "" {
		t.Errorf("CodeOf = %q, want empty", got)
	}
}
