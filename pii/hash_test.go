package pii

import "testing"

func TestHashStableAndShort(t *testing.T) {
	a := Hash("NN1234")
	if a != Hash(" NN1234 ") {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
	if len(a) != 2*hashPrefixBytes {
		t.Fatalf("expected %d hex chars, got %d", 2*hashPrefixBytes, len(a))
	}
	if a == Hash("NN1235") {
		t.Fatalf("expected distinct identifiers to hash differently")
	}
	if Hash("") != "" {
		t.Fatalf("expected empty input to hash to empty string")
	}
}
