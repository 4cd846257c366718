package proto

import (
	"bytes"
	"testing"
)

func TestParseUint64(t *testing.T) {
	cases := []struct {
		in   string
		v    uint64
		ok   bool
	}{
		{"0", 0, true},
		{"123", 123, true},
		{"4294967295", 4294967295, true},
		{"18446744073709551615", 18446744073709551615, true},
		{"18446744073709551616", 0, false}, // overflow
		{"", 0, false},
		{"12a", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"01", 1, true}, // leading zero still parses as a number
	}
	for _, c := range cases {
		v, ok := ParseUint64([]byte(c.in))
		if ok != c.ok {
			t.Errorf("ParseUint64(%q) ok=%v want %v", c.in, ok, c.ok)
			continue
		}
		if ok && v != c.v {
			t.Errorf("ParseUint64(%q)=%d want %d", c.in, v, c.v)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if _, ok := ParsePriority([]byte("4294967295")); !ok {
		t.Fatal("max uint32 priority should be valid")
	}
	if _, ok := ParsePriority([]byte("4294967296")); ok {
		t.Fatal("priority overflowing uint32 should be invalid")
	}
}

func TestFields(t *testing.T) {
	got := Fields([]byte("put 0 0 100 5"))
	want := []string{"put", "0", "0", "100", "5"}
	if len(got) != len(want) {
		t.Fatalf("got %d fields, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Fatalf("field %d = %q want %q", i, got[i], w)
		}
	}
}

func TestReservedFraming(t *testing.T) {
	body := []byte("hello\r\nworld\x00!")
	out := Reserved(42, body)
	want := []byte("RESERVED 42 14\r\nhello\r\nworld\x00!\r\n")
	if !bytes.Equal(out, want) {
		t.Fatalf("Reserved framing mismatch:\ngot  %q\nwant %q", out, want)
	}
}

func TestFoundFraming(t *testing.T) {
	out := Found(7, []byte("abc"))
	want := []byte("FOUND 7 3\r\nabc\r\n")
	if !bytes.Equal(out, want) {
		t.Fatalf("Found framing mismatch:\ngot  %q\nwant %q", out, want)
	}
}

func TestInserted(t *testing.T) {
	if !bytes.Equal(Inserted(1), []byte("INSERTED 1\r\n")) {
		t.Fatalf("unexpected Inserted reply: %q", Inserted(1))
	}
}
