package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTPStatus(t *testing.T) {
	assert.Equal(t, KindRetryable, Classify(429, "", "too many requests").Kind)
	assert.Equal(t, KindRetryable, Classify(500, "GeneralException", "internal error").Kind)
	assert.Equal(t, KindRetryable, Classify(502, "", "bad gateway").Kind)
	assert.Equal(t, KindRetryable, Classify(400, "NetworkException", "upstream unreachable").Kind)
}

func TestClassifyRejectionMessages(t *testing.T) {
	cases := []struct {
		message string
		want    ErrorKind
	}{
		{"Parameters of the order has not changed", KindNotModified},
		{"Order cannot be cancelled as it is being processed", KindNotCancellable},
		{"SL-M orders are blocked for this instrument", KindSLMBlocked},
		{"Market orders are blocked for this contract due to illiquidity. Place a limit order.", KindBlocked},
		{"Order price is outside the circuit limits", KindCircuitLimit},
		{"Trigger price beyond execution range", KindCircuitLimit},
		{"Insufficient funds. Required margin is 54000.00", KindRMSMargin},
		{"RMS:Blocked for entity account", KindRMSMargin},
		{"Trading is blocked in this instrument", KindBlocked},
		{"The market is closed", KindBlocked},
		{"connection reset by peer", KindRetryable},
		{"request timed out", KindRetryable},
		{"something entirely novel", KindUnknown},
	}
	for _, tc := range cases {
		err := Classify(400, "InputException", tc.message)
		assert.Equal(t, tc.want, err.Kind, "message %q", tc.message)
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	base := Classify(400, "InputException", "SL-M orders are blocked for this instrument")
	wrapped := fmt.Errorf("placer: order placement failed (tag T1E): %w", base)

	assert.Equal(t, KindSLMBlocked, KindOf(wrapped))
	assert.False(t, IsRetryable(wrapped))
}

func TestKindOfPlainErrors(t *testing.T) {
	assert.Equal(t, KindRetryable, KindOf(errors.New("dial tcp: connection refused")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("it broke")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestAPIErrorRetryable(t *testing.T) {
	assert.True(t, Classify(503, "", "service unavailable").Retryable())
	assert.False(t, Classify(400, "InputException", "insufficient funds").Retryable())
}
