package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/acme/whatsapp-broadcast/pkg/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "rate limited", err: &StatusError{StatusCode: http.StatusTooManyRequests}},
		{name: "server error", err: &StatusError{StatusCode: http.StatusBadGateway}},
		{name: "bad request", err: &StatusError{StatusCode: http.StatusBadRequest, Code: 131026}, permanent: true},
		{name: "unauthorized", err: fmt.Errorf("send: %w", &StatusError{StatusCode: http.StatusUnauthorized}), permanent: true},
		{name: "deadline", err: context.DeadlineExceeded},
		{name: "unknown", err: errors.New("something odd")},
		{name: "already permanent", err: apperrors.Permanent(errors.New("invalid recipient")), permanent: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if tc.permanent != errors.Is(got, apperrors.ErrPermanent) {
				t.Fatalf("permanent=%v expected, got %v", tc.permanent, got)
			}
			if !tc.permanent && !errors.Is(got, apperrors.ErrTransient) {
				t.Fatalf("expected transient classification, got %v", got)
			}
			if !errors.Is(got, tc.err) {
				t.Fatalf("expected classification to keep the cause")
			}
		})
	}

	if Classify(nil) != nil {
		t.Fatalf("expected nil to stay nil")
	}
}
