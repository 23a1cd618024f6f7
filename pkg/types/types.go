// Package types holds the data model shared across every wire codec,
// mapper driver, and the public API: port types, mapped-port records,
// and the closed error-kind hierarchy.
package types

import (
	"fmt"
	"net/netip"
)

// PortType is the transport protocol a mapping applies to.
type PortType uint8

const (
	TCP PortType = iota
	UDP
)

func (t PortType) String() string {
	switch t {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "unknown"
	}
}

// ProtocolTag identifies which mapper driver owns a MappedPort, so
// Refresh/Unmap can be routed back to the driver that created it.
type ProtocolTag uint8

const (
	ProtocolNATPMP ProtocolTag = iota
	ProtocolPCP
	ProtocolUPnPPort
	ProtocolUPnPFirewall
)

func (t ProtocolTag) String() string {
	switch t {
	case ProtocolNATPMP:
		return "nat-pmp"
	case ProtocolPCP:
		return "pcp"
	case ProtocolUPnPPort:
		return "upnp-igd-port"
	case ProtocolUPnPFirewall:
		return "upnp-igd-firewall"
	default:
		return "unknown"
	}
}

// MappedPort is an immutable record describing a granted port mapping.
type MappedPort struct {
	PortType        PortType
	InternalPort    int
	ExternalPort    int
	ExternalAddress netip.Addr
	LifetimeSeconds uint32
	ProtocolTag     ProtocolTag

	// Key fields the owning mapper uses to route Refresh/Unmap back to
	// this mapping without holding a strong reference to the caller's
	// copy (spec.md §3: "the owning mapper keeps a weak back-reference").
	Gateway netip.Addr
}

// Valid reports whether m satisfies the invariants in spec.md §3.
func (m MappedPort) Valid() bool {
	if m.InternalPort < 1 || m.InternalPort > 65535 {
		return false
	}
	if m.ExternalPort < 0 || m.ExternalPort > 65535 {
		return false
	}
	return true
}

// Kind is the closed set of error kinds from spec.md §7.
type Kind uint8

const (
	// Codec errors.
	KindMalformed Kind = iota
	KindTruncated
	KindConstraintViolation
	KindOversizedMessage
	KindUnsupportedVersion
	KindUnknownOpcode

	// Transport errors.
	KindTimeout
	KindUnreachable
	KindConnectionRefused
	KindConnectionReset
	KindShutdown
	KindWouldBlock

	// Protocol errors.
	KindServerFailure

	// Usage errors.
	KindInvalidArgument

	// Discovery errors.
	KindNoGatewayFound
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindTruncated:
		return "truncated"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindOversizedMessage:
		return "oversized_message"
	case KindUnsupportedVersion:
		return "unsupported_version"
	case KindUnknownOpcode:
		return "unknown_opcode"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindConnectionRefused:
		return "connection_refused"
	case KindConnectionReset:
		return "connection_reset"
	case KindShutdown:
		return "shutdown"
	case KindWouldBlock:
		return "would_block"
	case KindServerFailure:
		return "server_failure"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNoGatewayFound:
		return "no_gateway_found"
	default:
		return "unknown"
	}
}

// Error is the single typed-failure value returned across the codec,
// transport, and mapper layers. Field is the constraint/argument name
// for KindConstraintViolation/KindInvalidArgument; Code is the
// protocol-native result code for KindServerFailure; RetryAfter, when
// nonzero, is a server-supplied retry interval in seconds.
type Error struct {
	Kind       Kind
	Op         string
	Field      string
	Code       int
	RetryAfter uint32
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "":
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s(%s): %v", e.Op, e.Kind, e.Field, e.Cause)
		}
		return fmt.Sprintf("%s: %s(%s)", e.Op, e.Kind, e.Field)
	case e.Kind == KindServerFailure:
		return fmt.Sprintf("%s: %s(code=%d)", e.Op, e.Kind, e.Code)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &Error{Kind: KindTimeout}) style matching on
// kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// Retryable reports whether the protocol schedule in spec.md §7 should
// retry an operation that failed with this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindUnreachable, KindWouldBlock:
		return true
	case KindServerFailure:
		// Short-lifetime PCP errors (network failure, no resources, user
		// exceeded quota) are transient; the caller honors RetryAfter.
		return e.RetryAfter > 0
	default:
		return false
	}
}

func NewError(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

func NewFieldError(op string, kind Kind, field string) *Error {
	return &Error{Op: op, Kind: kind, Field: field}
}

func NewServerFailure(op string, code int, retryAfter uint32) *Error {
	return &Error{Op: op, Kind: KindServerFailure, Code: code, RetryAfter: retryAfter}
}
