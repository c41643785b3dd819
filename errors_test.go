package proxyrotate

import (
	"errors"
	"testing"
)

func TestMultiError(t *testing.T) {
	merr := &MultiError{}

	if err := merr.Err(); err != nil {
		t.Error("empty MultiError should return nil")
	}

	merr.Add(nil)
	if err := merr.Err(); err != nil {
		t.Error("MultiError with nil errors should return nil")
	}

	err1 := &OpError{Op: OpAcquire, ID: "u-3000", Err: ErrEndpointExhausted}
	merr.Add(err1)

	if err := merr.Err(); err == nil {
		t.Error("MultiError with errors should return non-nil")
	}

	if merr.Error() != err1.Error() {
		t.Errorf("single error message = %v, want %v", merr.Error(), err1.Error())
	}

	err2 := &OpError{Op: OpStop, ID: "u-3001", Err: ErrStopTimeout}
	merr.Add(err2)

	if merr.Error() != "2 errors occurred" {
		t.Errorf("multiple errors message = %v, want '2 errors occurred'", merr.Error())
	}

	if !errors.Is(merr, ErrStopTimeout) {
		t.Error("errors.Is should see through MultiError")
	}
}

func TestOpError(t *testing.T) {
	err := &OpError{Op: OpRelease, ID: "e1", Err: ErrUnknownEndpoint}
	if got, want := err.Error(), `proxyrotate release "e1": proxyrotate: unknown endpoint`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Error("OpError should unwrap to its cause")
	}

	bare := &OpError{Op: OpShutdown, Err: ErrShutdownTimeout}
	if got, want := bare.Error(), "proxyrotate shutdown: proxyrotate: shutdown timeout"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpAcquire, "acquire"},
		{OpRelease, "release"},
		{OpAdd, "add"},
		{OpSpawn, "spawn"},
		{OpRotate, "rotate"},
		{OpRestart, "restart"},
		{OpStop, "stop"},
		{OpShutdown, "shutdown"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Operation(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
