package caldav

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/friendsofgo/errors"
)

// Kind classifies a remote store failure.
type Kind int

const (
	// KindProtocol covers unexpected statuses and undecodable responses.
	KindProtocol Kind = iota
	KindUnreachable
	KindUnauthorized
	KindNotFound
	KindMethodNotAllowed
	KindTimeout
	// KindPreconditionFailed is a conditional write that lost a race.
	KindPreconditionFailed
	// KindRejected is any other refused write.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	case KindTimeout:
		return "timeout"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindRejected:
		return "rejected"
	default:
		return "protocol"
	}
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind   Kind
	Op     string // REPORT, PROPFIND, PUT
	Status int    // 0 for transport failures
	Body   string // remote response body, truncated
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Body != "":
		return fmt.Sprintf("caldav %s: %d %s - %s", e.Op, e.Status, http.StatusText(e.Status), e.Body)
	case e.Status != 0:
		return fmt.Sprintf("caldav %s: %d %s", e.Op, e.Status, http.StatusText(e.Status))
	case e.Err != nil:
		return fmt.Sprintf("caldav %s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("caldav %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a caldav *Error of the given kind.
func IsKind(err error, k Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == k
}

const maxErrorBody = 512

func statusError(op string, status int, body []byte) *Error {
	b := string(body)
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody] + "..."
	}
	return &Error{Kind: kindForStatus(op, status), Op: op, Status: status, Body: b}
}

func kindForStatus(op string, status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return KindMethodNotAllowed
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusPreconditionFailed:
		return KindPreconditionFailed
	}
	if op == http.MethodPut {
		return KindRejected
	}
	return KindProtocol
}

func transportError(op string, err error) *Error {
	kind := KindUnreachable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
