package barecat

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"/", "", false},
		{"a/b/c", "a/b/c", false},
		{"/a/b/c", "a/b/c", false},
		{"a//b", "a/b", false},
		{"a/./b", "", true},
		{"a/../b", "", true},
	}
	for _, c := range cases {
		got, err := normalizePath(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("normalizePath(%q) err=%v, wantErr=%v", c.in, err, c.wantErr)
		}
		if err == nil && got != c.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParentPath(t *testing.T) {
	cases := map[string]string{
		"a":     "",
		"a/b":   "a",
		"a/b/c": "a/b",
	}
	for in, want := range cases {
		if got := parentPath(in); got != want {
			t.Fatalf("parentPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"a":     "a",
		"a/b":   "b",
		"a/b/c": "c",
	}
	for in, want := range cases {
		if got := baseName(in); got != want {
			t.Fatalf("baseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLiteralPrefix(t *testing.T) {
	cases := map[string]string{
		"a/b/c":      "a/b/c",
		"a/*/c":      "a/",
		"a/b?c":      "a/b",
		"**/c":       "",
		"a/b/[xy]/c": "a/b/",
	}
	for in, want := range cases {
		if got := literalPrefix(in); got != want {
			t.Fatalf("literalPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrefixRangeEnd(t *testing.T) {
	end, ok := prefixRangeEnd("a/b")
	if !ok || end != "a/c" {
		t.Fatalf("prefixRangeEnd(a/b) = %q, %v", end, ok)
	}
	if _, ok := prefixRangeEnd(string([]byte{0xFF, 0xFF})); ok {
		t.Fatalf("expected no finite upper bound for all-0xFF prefix")
	}
	if _, ok := prefixRangeEnd(""); ok {
		t.Fatalf("expected no finite upper bound for empty prefix")
	}
}
