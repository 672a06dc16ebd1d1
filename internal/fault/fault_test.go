package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/assetledger/internal/fault"
)

var errTest = fault.Kind{Subsystem: "TEST", Number: 7, Status: fault.InvalidRequest, Template: "bad field %q"}

func TestKind_NewFormatsTemplate(t *testing.T) {
	err := errTest.New("age")
	if err.Message != `bad field "age"` {
		t.Errorf("Message: got %q", err.Message)
	}
	if err.Kind.ID() != "TEST-007" {
		t.Errorf("ID: got %q", err.Kind.ID())
	}
}

func TestError_IsMatchesKind(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", errTest.New("x"))
	if !errors.Is(wrapped, errTest) {
		t.Error("expected errors.Is to match the kind through wrapping")
	}
	other := fault.Kind{Subsystem: "TEST", Number: 8}
	if errors.Is(wrapped, other) {
		t.Error("different kind number must not match")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fault.StatusCode
	}{
		{"nil", nil, fault.OK},
		{"plain", errors.New("boom"), fault.RuntimeError},
		{"kind", errTest.New("x"), fault.InvalidRequest},
		{"wrapped", fmt.Errorf("ctx: %w", errTest.Wrap(errors.New("cause"), "x")), fault.InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fault.CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusCode_Class(t *testing.T) {
	if fault.InconsistentStates.Class() != fault.ClassTamper {
		t.Error("303 should be a tamper class code")
	}
	if fault.NonceAlreadyUsed.Class() != fault.ClassClient {
		t.Error("407 should be a client class code")
	}
	if fault.Conflict.Class() != fault.ClassServer {
		t.Error("504 should be a server class code")
	}
	if fault.InvalidSignature.String() != "INVALID_SIGNATURE" {
		t.Errorf("String(): got %q", fault.InvalidSignature.String())
	}
}

func TestMessageOf_omitsCause(t *testing.T) {
	err := errTest.Wrap(errors.New("internal detail"), "x")
	if got := fault.MessageOf(err); got != `bad field "x"` {
		t.Errorf("MessageOf() = %q", got)
	}
}
