package store

import "testing"

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT id FROM t WHERE a = $1 AND b = $2", "SELECT id FROM t WHERE a = ?1 AND b = ?2"},
		{"SELECT $2, $1, $2", "SELECT ?2, ?1, ?2"},
		{"SELECT '$1' WHERE x = $1", "SELECT '$1' WHERE x = ?1"},
		{"SELECT $name", "SELECT $name"},
	}
	for _, tt := range tests {
		if got := rebind(tt.in); got != tt.want {
			t.Errorf("rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3, 3); got != "$3, $4, $5" {
		t.Errorf("Placeholders(3, 3) = %q", got)
	}
}
