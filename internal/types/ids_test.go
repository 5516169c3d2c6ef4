package types

import (
	"testing"
)

func TestNewImpressionID(t *testing.T) {
	id := NewImpressionID()
	if id == "" {
		t.Error("expected non-empty ImpressionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
	if id == NewImpressionID() {
		t.Error("expected distinct ids")
	}
}
