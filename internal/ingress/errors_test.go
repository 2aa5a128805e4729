package ingress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{WrapContentFormat("ipp", "10.0.0.1", nil), http.StatusNotAcceptable},
		{WrapUnauthorized("ipp", "10.0.0.1", nil), http.StatusUnauthorized},
		{WrapUnavailable("ipp", "10.0.0.1", nil), http.StatusServiceUnavailable},
		{WrapInternal("ipp", "10.0.0.1", nil), http.StatusInternalServerError},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("worker: %w", WrapMissingMetadata("parse", "10.0.0.1", errors.New("no %%For")))
	if !IsMissingMetadata(err) {
		t.Fatalf("expected missing metadata, got %v", KindOf(err))
	}
	if !IsProtocol(err) {
		t.Fatal("missing metadata should be a protocol error")
	}
	if IsProtocol(errors.New("boom")) {
		t.Fatal("plain error should be internal")
	}
}

func TestNetTimeoutClassifiedAsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("read: %w", timeoutErr{})) {
		t.Fatal("net timeout should classify as timeout")
	}
}
