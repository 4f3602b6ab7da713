package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInputValidation is returned before any network effect when a request is malformed.
	ErrInputValidation = errors.New("invalid input")
	// ErrNonceMismatch signals that a local ledger disagrees with the requested nonce.
	ErrNonceMismatch = errors.New("nonce mismatch")
	// ErrSequenceAborted is matched by every *SequenceAbortedError.
	ErrSequenceAborted = errors.New("transaction sequence aborted")
	// ErrChainRejected is matched by every *ChainRejectedError.
	ErrChainRejected = errors.New("rejected by chain")
	// ErrTransportFailure wraps unreachable oracle or RPC endpoints. Safe to retry.
	ErrTransportFailure = errors.New("transport failure")
	// ErrNotEligible is a local precondition failure detected before spending gas.
	ErrNotEligible = errors.New("not eligible")
	// ErrRateLimited is returned by the oracle when a client exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")
)

// ChainRejectedError is an on-chain revert or a transaction refused by the node.
type ChainRejectedError struct {
	Op     string
	Reason string
}

func (e *ChainRejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %s", e.Op, ErrChainRejected)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrChainRejected, e.Reason)
}

func (e *ChainRejectedError) Is(target error) bool {
	return target == ErrChainRejected
}

// SequenceAbortedError reports the step of a reserved block that failed.
// Committed holds the offsets whose transactions were mined successfully
// and therefore left on-chain state behind (e.g. an approved allowance).
// Unconfirmed holds the offsets that were broadcast but whose receipt never
// arrived; they may or may not be mined.
type SequenceAbortedError struct {
	Account     string
	Base        uint64
	Offset      int
	Steps       []string
	Committed   []int
	Unconfirmed []int
	Cause       error
}

func (e *SequenceAbortedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at step %d", ErrSequenceAborted, e.Offset)
	if e.Offset < len(e.Steps) {
		fmt.Fprintf(&b, " (%s, nonce %d)", e.Steps[e.Offset], e.Base+uint64(e.Offset))
	}
	if len(e.Committed) == 0 && len(e.Unconfirmed) == 0 {
		b.WriteString(", nothing committed")
	}
	if len(e.Committed) > 0 {
		fmt.Fprintf(&b, ", committed steps [%s]", e.stepList(e.Committed))
	}
	if len(e.Unconfirmed) > 0 {
		fmt.Fprintf(&b, ", outcome unknown for steps [%s]", e.stepList(e.Unconfirmed))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *SequenceAbortedError) stepList(offsets []int) string {
	names := make([]string, 0, len(offsets))
	for _, off := range offsets {
		if off >= 0 && off < len(e.Steps) {
			names = append(names, fmt.Sprintf("%d:%s", off, e.Steps[off]))
		} else {
			names = append(names, fmt.Sprint(off))
		}
	}
	return strings.Join(names, " ")
}

func (e *SequenceAbortedError) Is(target error) bool {
	return target == ErrSequenceAborted
}

func (e *SequenceAbortedError) Unwrap() error {
	return e.Cause
}
