package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeStorageFailure, cause, "写入归档失败", WithMetadata("driver", "mysql"))

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(fmt.Errorf("outer: %w", err), New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if CodeOf(err) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if err.Metadata()["driver"] != "mysql" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should default to retryable")
	}
}

func TestRegisterAndOverrides(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}

	overridden := New(code, "x", WithSeverity(SeverityCritical), WithRetryable(true))
	if overridden.Severity() != SeverityCritical || !overridden.Retryable() {
		t.Fatalf("options not applied: %+v", overridden)
	}
}

func TestUnknownFallbacks(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if AttributesOf("NEVER_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("unregistered codes should fall back to UNKNOWN attributes")
	}
	var nilErr *Error
	if nilErr.Error() != "" || nilErr.Code() != CodeUnknown {
		t.Fatalf("nil receiver should be safe")
	}
}
