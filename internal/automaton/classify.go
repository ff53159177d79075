package automaton

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/onnwee/billing/internal/payment"
	"github.com/onnwee/billing/internal/plugin"
)

// outcome is the classified result of one plugin call.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeDecline
	outcomeRetryable
	outcomeAbort
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeDecline:
		return "decline"
	case outcomeRetryable:
		return "retryable"
	default:
		return "abort"
	}
}

// isRetryable reports whether err is transient: timeouts, network failures
// and errors the plugin marked retryable. A canceled call has an unknown
// gateway outcome and is retried under the same idempotency key.
func isRetryable(err error) bool {
	if errors.Is(err, plugin.ErrRetryable) ||
		errors.Is(err, payment.ErrRetryableFailure) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify maps a plugin reply to an outcome. The returned error explains an
// abort and is nil otherwise.
func classify(res *plugin.Result, err error) (outcome, error) {
	if err != nil {
		if isRetryable(err) {
			return outcomeRetryable, nil
		}
		return outcomeAbort, err
	}
	if res == nil {
		return outcomeAbort, errors.New("plugin returned no result")
	}

	switch res.Status {
	case plugin.StatusProcessed:
		return outcomeSuccess, nil
	case plugin.StatusError:
		return outcomeDecline, nil
	case plugin.StatusPending, plugin.StatusUndefined:
		return outcomeRetryable, nil
	default:
		return outcomeAbort, fmt.Errorf("plugin returned unknown status %q", res.Status)
	}
}
