package google

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "backend down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "too slow"), true},
		{"exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"aborted", status.Error(codes.Aborted, "conflict"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad encoding"), false},
		{"unauthenticated", status.Error(codes.Unauthenticated, "no creds"), false},
		{"plain error", errors.New("not a status"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestPCM16_ClampsAndEncodes(t *testing.T) {
	out := pcm16([]float32{0, 1, -1, 2, -2})
	if len(out) != 10 {
		t.Fatalf("len = %d, want 10", len(out))
	}
	read := func(i int) int16 {
		return int16(uint16(out[2*i]) | uint16(out[2*i+1])<<8)
	}
	if v := read(0); v != 0 {
		t.Errorf("sample 0 = %d, want 0", v)
	}
	if v := read(1); v != 32767 {
		t.Errorf("sample 1 = %d, want 32767", v)
	}
	if v := read(3); v != 32767 {
		t.Errorf("overdriven sample = %d, want clamp to 32767", v)
	}
	if v := read(4); v > -32767 {
		t.Errorf("negative overdrive = %d, want clamp at floor", v)
	}
}
