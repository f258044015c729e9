package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"execution",
		CodeInvalidOrder,
		WithMessage("limit price must be positive"),
		WithField("symbol", "AAPL"),
		WithField("price", "-1"),
		WithRemediation("submit a positive limit price"),
		WithCause(errors.New("validation failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=execution") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_order") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=price=\"-1\",symbol=\"AAPL\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"submit a positive limit price\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"validation failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	err := fmt.Errorf("submit: %w", NotConnected("execution"))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected errors.Is to match not-connected sentinel")
	}
	if errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("not-connected error must not match invalid-order sentinel")
	}
	if !IsCode(err, CodeNotConnected) {
		t.Fatalf("expected IsCode to find not_connected")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	root := errors.New("socket closed")
	err := New("reconcile", CodeReconciliationFetch, WithCause(root))
	if !errors.Is(err, root) {
		t.Fatalf("expected cause to be reachable via errors.Is")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no code")
	}
}
