package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication groups failures caused by missing or rejected credentials.
	ErrAuthentication = errors.New("authentication error")
	// ErrLookup groups unknown pair and asset identifiers.
	ErrLookup = errors.New("lookup error")
)

// MissingAPIKeyError is returned when an authenticated operation is requested
// from an adapter that has no credentials.
type MissingAPIKeyError struct {
	Exchange string
}

func (e *MissingAPIKeyError) Error() string {
	return fmt.Sprintf("missing API keys for the exchange %s", e.Exchange)
}

func (e *MissingAPIKeyError) Is(target error) bool { return target == ErrAuthentication }

type PairNotFoundError struct {
	Exchange string
	Pair     string
}

func (e *PairNotFoundError) Error() string {
	return fmt.Sprintf("pair %s not found on %s", e.Pair, e.Exchange)
}

func (e *PairNotFoundError) Is(target error) bool { return target == ErrLookup }

type AssetNotFoundError struct {
	Exchange string
	Asset    string
}

func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("asset %s not found on %s", e.Asset, e.Exchange)
}

func (e *AssetNotFoundError) Is(target error) bool { return target == ErrLookup }

// TransportError wraps a network or HTTP failure.
type TransportError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedEventError is returned by Subscribe for event types the exchange
// cannot stream.
type UnsupportedEventError struct {
	Exchange  string
	EventType string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("event type %q is not supported by %s", e.EventType, e.Exchange)
}
