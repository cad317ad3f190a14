package resterror

import (
	"errors"
	"net/http"
	"testing"
)

func TestFromResponse(t *testing.T) {
	header := http.Header{}
	header.Add("WWW-Authenticate", `Basic realm="dhis2"`)

	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"ok", 200, func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		}},
		{"created", 201, func(t *testing.T, err error) {
			if err != nil {
				t.Errorf("err = %v, want nil", err)
			}
		}},
		{"not found", 404, func(t *testing.T, err error) {
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		}},
		{"unauthorized carries challenge", 401, func(t *testing.T, err error) {
			var ue *UnauthorizedError
			if !errors.As(err, &ue) {
				t.Fatalf("err = %T, want *UnauthorizedError", err)
			}
			if len(ue.Challenges) != 1 || ue.Challenges[0] != `Basic realm="dhis2"` {
				t.Errorf("Challenges = %v", ue.Challenges)
			}
		}},
		{"forbidden", 403, func(t *testing.T, err error) {
			var fe *ForbiddenError
			if !errors.As(err, &fe) {
				t.Errorf("err = %T, want *ForbiddenError", err)
			}
		}},
		{"conflict", 409, func(t *testing.T, err error) {
			var ce *ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %T, want *ConflictError", err)
			}
			if ce.Body != "boom" {
				t.Errorf("Body = %q", ce.Body)
			}
		}},
		{"other", 500, func(t *testing.T, err error) {
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("err = %T, want *StatusError", err)
			}
			if se.StatusCode != 500 {
				t.Errorf("StatusCode = %d", se.StatusCode)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, FromResponse(tt.status, header, []byte("boom")))
		})
	}
}
