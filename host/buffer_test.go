package host

import (
	"errors"
	"math"
	"testing"
)

func TestReadRange(t *testing.T) {
	buf := []byte("hello")

	tests := []struct {
		name    string
		start   int
		maxSize int
		want    string
		wantErr bool
	}{
		{"whole buffer", 0, 5, "hello", false},
		{"prefix", 0, 2, "he", false},
		{"middle", 1, 3, "ell", false},
		{"past the end", 3, 10, "lo", false},
		{"max int size", 1, math.MaxInt, "ello", false},
		{"empty at end", 5, 1, "", false},
		{"zero size", 2, 0, "", false},
		{"start past end", 6, 1, "", true},
		{"negative start", -1, 1, "", true},
		{"negative size", 0, -1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadRange(buf, tt.start, tt.maxSize)
			if tt.wantErr {
				if !errors.Is(err, ErrBadArgument) {
					t.Fatalf("expected ErrBadArgument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadRangeCopies(t *testing.T) {
	buf := []byte("abc")
	got, _ := ReadRange(buf, 0, math.MaxInt)
	got[0] = 'x'
	if string(buf) != "abc" {
		t.Error("ReadRange must not alias the source buffer")
	}
}
