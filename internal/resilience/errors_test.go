package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	if !IsTransient(fmt.Errorf("api call failed: %w", inner)) {
		t.Error("expected wrapped TransientError to be transient")
	}
	if !IsTransient(eris.Wrap(inner, "llm: complete")) {
		t.Error("expected eris-wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilAndRegular(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_Syscall(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if !IsTransient(fmt.Errorf("dial tcp: %w", errno)) {
			t.Errorf("%v should be transient", errno)
		}
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"read: i/o timeout",
		"unexpected EOF",
	} {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	inner := errors.New("bad key")
	err := eris.Wrap(Permanent(inner), "llm: complete")
	if !IsPermanent(err) {
		t.Error("expected wrapped permanent error to be permanent")
	}
	if !errors.Is(err, inner) {
		t.Error("PermanentError should unwrap to the inner error")
	}
	if IsPermanent(inner) {
		t.Error("unmarked error should not be permanent")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient", NewTransientError(errors.New("503"), 503), ErrorTypeTransient},
		{"unclassified", errors.New("parse failure"), ErrorTypeTransient},
		{"permanent", Permanent(errors.New("401")), ErrorTypePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
