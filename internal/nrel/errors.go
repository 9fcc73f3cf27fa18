package nrel

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrRequestRejected is returned when the API acknowledges a request with
// a non-empty errors list.
var ErrRequestRejected = errors.New("nrel: request rejected")

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 2048

// TransportError reports a failed API call: a network failure (Err set,
// StatusCode 0) or a non-2xx response. Calls are not retried.
type TransportError struct {
	Op         string
	URL        string // api_key redacted
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		msg := fmt.Sprintf("nrel: %s %s: HTTP %d", e.Op, e.URL, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	return fmt.Sprintf("nrel: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the failure may succeed later: network errors,
// 429 and 5xx responses.
func (e *TransportError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// RedactURL hides credentials in a URL's query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for _, k := range []string{"api_key", "email"} {
		if q.Has(k) {
			q.Set(k, "REDACTED")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// stripURLError drops the *url.Error wrapper, whose message repeats the
// full request URL including the api_key.
func stripURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
