package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	base := errors.New("googleapi: 404")

	tests := []struct {
		name          string
		err           error
		notFound      bool
		badRequest    bool
		alreadyExists bool
		precondition  bool
		retryable     bool
	}{
		{"not found", NewNotFoundError("dataset missing", base), true, false, false, false, false},
		{"bad request", NewBadRequestError("no replicas view", base), false, true, false, false, false},
		{"already exists", NewAlreadyExistsError("replica exists", base), false, false, true, false, true},
		{"precondition", NewPreconditionFailedError("etag mismatch", base), false, false, false, true, true},
		{"transient", NewTransientError("backend error", base), false, false, false, false, true},
		{"wrapped not found", fmt.Errorf("observe: %w", NewNotFoundError("x", nil)), true, false, false, false, false},
		{"plain error", base, false, false, false, false, false},
		{"nil", nil, false, false, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v, want %v", got, tt.notFound)
			}
			if got := IsBadRequest(tt.err); got != tt.badRequest {
				t.Errorf("IsBadRequest = %v, want %v", got, tt.badRequest)
			}
			if got := IsAlreadyExists(tt.err); got != tt.alreadyExists {
				t.Errorf("IsAlreadyExists = %v, want %v", got, tt.alreadyExists)
			}
			if got := IsPreconditionFailed(tt.err); got != tt.precondition {
				t.Errorf("IsPreconditionFailed = %v, want %v", got, tt.precondition)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestEngineError_Message(t *testing.T) {
	err := NewTransientError("add replica failed", errors.New("503")).
		WithResource("p.d").
		WithOperation(string(OperationAddReplica))

	msg := err.Error()
	for _, want := range []string{"transient", "add replica failed", "resource=p.d", "operation=add_replica", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not contain %q", msg, want)
		}
	}

	if !errors.Is(err, &EngineError{Class: ErrorClassTransient}) {
		t.Error("errors.Is should match on class and code")
	}
	if ErrorClassOf(err) != ErrorClassTransient || ErrorCode(err) != "" {
		t.Errorf("unexpected class/code: %s/%s", ErrorClassOf(err), ErrorCode(err))
	}
}

func TestEngineError_WithDetail(t *testing.T) {
	err := NewPermanentError("bad", nil).WithDetail("region", "eu")
	if err.Details["region"] != "eu" {
		t.Errorf("expected detail region=eu, got %v", err.Details)
	}
	if err.Error() != "[permanent] bad" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
