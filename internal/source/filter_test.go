package source

import (
	"testing"
	"time"
)

func TestFilterExpr(t *testing.T) {
	tests := []struct {
		name     string
		filters  []Filter
		expected string
	}{
		{
			name:     "empty",
			filters:  nil,
			expected: "",
		},
		{
			name:     "single clause",
			filters:  []Filter{Eq("topic", "autre")},
			expected: "topic=eq.autre",
		},
		{
			name:     "conjunction",
			filters:  []Filter{Eq("region", "Île-de-France"), Eq("topic", "autre")},
			expected: "region=eq.Île-de-France and topic=eq.autre",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expr(tt.filters); got != tt.expected {
				t.Fatalf("Expr() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseExpr(t *testing.T) {
	filters, err := ParseExpr("region=eq.Bretagne and topic=eq.urgence")
	if err != nil {
		t.Fatalf("ParseExpr: %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(filters))
	}
	if filters[0].Field != "region" || filters[0].Value != "Bretagne" {
		t.Fatalf("unexpected first clause: %+v", filters[0])
	}
	if filters[1].Field != "topic" || filters[1].Value != "urgence" {
		t.Fatalf("unexpected second clause: %+v", filters[1])
	}

	// Comma separator from older clients.
	filters, err = ParseExpr("sender_id=eq.u1,receiver_id=eq.u2")
	if err != nil {
		t.Fatalf("ParseExpr comma form: %v", err)
	}
	if len(filters) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(filters))
	}

	if _, err := ParseExpr("topic=gt.5"); err == nil {
		t.Fatal("expected error for unsupported operator")
	}
	if _, err := ParseExpr("garbage"); err == nil {
		t.Fatal("expected error for missing operator")
	}
}

func TestParseExprRoundTrip(t *testing.T) {
	original := []Filter{Eq("thread_id", "r-42"), Eq("topic", "logement")}
	parsed, err := ParseExpr(Expr(original))
	if err != nil {
		t.Fatalf("ParseExpr: %v", err)
	}
	if len(parsed) != len(original) {
		t.Fatalf("expected %d clauses, got %d", len(original), len(parsed))
	}
	for i := range original {
		if parsed[i] != original[i] {
			t.Fatalf("clause %d: got %+v, want %+v", i, parsed[i], original[i])
		}
	}
}

func TestMatchAll(t *testing.T) {
	row := Row{"topic": "autre", "region": "Bretagne", "priority": int64(3)}

	if !MatchAll([]Filter{Eq("topic", "autre"), Eq("region", "Bretagne")}, row) {
		t.Fatal("expected row to match")
	}
	if MatchAll([]Filter{Eq("topic", "autre"), Eq("region", "Normandie")}, row) {
		t.Fatal("expected row not to match on region")
	}
	if MatchAll([]Filter{Eq("missing", "x")}, row) {
		t.Fatal("expected row not to match on absent field")
	}
	// Non-string values compare through their formatted form.
	if !MatchAll([]Filter{Eq("priority", "3")}, row) {
		t.Fatal("expected integer field to match its string form")
	}
}

func TestRowAccessors(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	row := Row{
		"id":         "m1",
		"is_read":    int64(1),
		"created_at": created.Format(time.RFC3339),
		"distance":   float64(120.5),
	}

	if row.String("id") != "m1" {
		t.Fatalf("String(id) = %q", row.String("id"))
	}
	if !row.Bool("is_read") {
		t.Fatal("Bool(is_read) = false, want true")
	}
	if got := row.Time("created_at"); !got.Equal(created) {
		t.Fatalf("Time(created_at) = %v, want %v", got, created)
	}
	if d, ok := row.Float("distance"); !ok || d != 120.5 {
		t.Fatalf("Float(distance) = %v, %v", d, ok)
	}
	if !row.Time("missing").IsZero() {
		t.Fatal("Time(missing) should be zero")
	}
}
