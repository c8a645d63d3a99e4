package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("trd_")
	if !strings.HasPrefix(id, "trd_") {
		t.Errorf("id = %q, want trd_ prefix", id)
	}
	if len(id) != len("trd_")+24 {
		t.Errorf("len = %d, want %d", len(id), len("trd_")+24)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("dsp_")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestHex(t *testing.T) {
	h := Hex(16)
	if len(h) != 32 {
		t.Errorf("len = %d, want 32", len(h))
	}
	for _, c := range h {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("non-hex char %q in %q", c, h)
		}
	}
}
