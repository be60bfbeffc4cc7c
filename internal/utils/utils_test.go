package utils

import "testing"

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"main":      "main",
		"my-module": "my_module",
		"0abc":      "_0abc",
		"a.b c":     "a_b_c",
	}
	for in, want := range cases {
		if got := NormalizeIdentifier(in); got != want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSet(t *testing.T) {
	s := MakeSet[string](2)
	s.Insert("a", "b")
	if !s.Has("a") || !s.Has("b") || s.Has("c") {
		t.Fatalf("unexpected set contents: %v", s)
	}
}
