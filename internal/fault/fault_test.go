package fault

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Auth, http.StatusUnauthorized},
		{ModeDisabled, http.StatusBadRequest},
		{BadRequest, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{CapExceeded, http.StatusTooManyRequests},
		{Spawn, http.StatusInternalServerError},
		{Backpressure, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.kind.HTTPStatus(); got != c.want {
			t.Errorf("%s status = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	err := New(CapExceeded, "cap reached")
	wrapped := fmt.Errorf("creating session: %w", err)

	k, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("kind lost through wrapping")
	}
	if k != CapExceeded {
		t.Errorf("kind = %v, want CapExceeded", k)
	}
	if StatusOf(wrapped) != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", StatusOf(wrapped))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(Spawn, io.ErrUnexpectedEOF, "spawning node")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable via errors.Is")
	}
	if err.Error() != "spawning node: unexpected EOF" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestUnkindedErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	if _, ok := KindOf(err); ok {
		t.Error("plain error reported a kind")
	}
	if StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", StatusOf(err))
	}
}
