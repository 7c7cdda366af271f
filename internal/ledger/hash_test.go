package ledger

import "testing"

func TestNormalizeContent(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"Hello World", "hello world"},
		{"  leading and trailing  ", "leading and trailing"},
		{"tabs\tand\nnewlines  collapse", "tabs and newlines collapse"},
		{"MiXeD CaSe", "mixed case"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeContent(c.in); got != c.want {
			t.Errorf("NormalizeContent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestContentHashStableUnderNormalization(t *testing.T) {
	t.Parallel()
	a := ContentHash("Some  Post\nText")
	b := ContentHash("some post text")
	if a != b {
		t.Fatalf("hashes differ: %s vs %s", a, b)
	}
	if ContentHash("other text") == a {
		t.Fatal("distinct content collided")
	}
}
