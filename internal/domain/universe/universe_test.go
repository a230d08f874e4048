package universe

import (
	"testing"

	"github.com/oilsignal/oilsignal/internal/domain"
)

func TestNewDedupesAndSorts(t *testing.T) {
	u := New([]domain.CountryCode{"USA", "CAN", "USA", "ARE"})
	if u.Len() != 3 {
		t.Fatalf("expected 3 unique codes, got %d", u.Len())
	}
	got := u.Codes()
	want := []domain.CountryCode{"ARE", "CAN", "USA"}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("position %d: got %s want %s", i, got[i], w)
		}
	}
}

func TestIndexOfAndContains(t *testing.T) {
	u := New([]domain.CountryCode{"USA", "CAN", "ARE"})
	if !u.Contains("CAN") {
		t.Fatal("expected universe to contain CAN")
	}
	if u.Contains("RUS") {
		t.Fatal("did not expect universe to contain RUS")
	}
	if idx := u.IndexOf("CAN"); idx != 1 {
		t.Fatalf("expected CAN at index 1, got %d", idx)
	}
	if idx := u.IndexOf("RUS"); idx != -1 {
		t.Fatalf("expected -1 for absent code, got %d", idx)
	}
}

func TestValidateEmpty(t *testing.T) {
	u := New(nil)
	if err := u.Validate(); err == nil {
		t.Fatal("expected error for empty universe")
	}
}
