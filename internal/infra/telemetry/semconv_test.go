package telemetry

import "testing"

func TestOrderAttributesSkipsEmptyValues(t *testing.T) {
	attrs := OrderAttributes("test", "AAPL", "", "MKT")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	for _, kv := range attrs {
		if kv.Key == AttrOrderSide {
			t.Fatalf("empty side should not be recorded")
		}
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })

	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Fatalf("expected development, got %q", got)
	}
	globalEnvironment = "prod"
	if got := Environment(); got != "prod" {
		t.Fatalf("expected prod, got %q", got)
	}
}
