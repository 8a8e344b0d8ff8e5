package canonicalize

import (
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": map[string]any{"y": "foo", "x": "bar"},
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	expected := `{"a":1,"b":{"x":"bar","y":"foo"},"c":3}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"payee": "<merchant> & co"}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	expected := `{"payee":"<merchant> & co"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_StructTags(t *testing.T) {
	type terms struct {
		Payee  string `json:"payee"`
		Amount string `json:"amount_quoted"`
	}

	b, err := JCS(terms{Payee: "merchant.local", Amount: "18446744073709551615"})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	expected := `{"amount_quoted":"18446744073709551615","payee":"merchant.local"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_OrderIndependent(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash depends on key order: %s != %s", h1, h2)
	}
	if len(h1) != len("sha256:")+64 {
		t.Errorf("unexpected hash format %q", h1)
	}
}
