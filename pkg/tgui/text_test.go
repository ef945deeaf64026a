package tgui

import "testing"

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"привет", 2, "пр…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}

func TestPreview(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello", "hello"},
		{"  one\n\ntwo  ", "one two"},
		{"Скидка\tдо 50% на все курсы", "Скидка до 50% на…"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Preview(tc.in, 16); got != tc.want {
			t.Fatalf("Preview(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCallToAction(t *testing.T) {
	if CallToAction("", "https://x") != nil {
		t.Fatalf("empty label should produce no markup")
	}
	rm := CallToAction("Open", "https://example.com")
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("unexpected markup: %+v", rm)
	}
	if b := rm.InlineKeyboard[0][0]; b.Text != "Open" || b.URL != "https://example.com" {
		t.Fatalf("unexpected button: %+v", b)
	}
}

func TestEscAndKV(t *testing.T) {
	if got := Esc("<a&b>").String(); got != "&lt;a&amp;b&gt;" {
		t.Fatalf("Esc=%q", got)
	}
	if got := KV("pending", 3).String(); got != "<b>pending</b>: <code>3</code>" {
		t.Fatalf("KV=%q", got)
	}
}
