/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package errors provides the structured error system used by the replication
engine.

Error Categories:
  - TransportError: connection, dial, and auth failures talking to a peer
  - ConsensusError: invariant violations and quorum failures in the Raft core
  - StateMachineError: failures applying a committed entry to the backend
  - ConfigError: invalid or out-of-range configuration
*/
package errors

import (
	"fmt"
)

// ErrorCode represents a unique error identifier.
type ErrorCode int

const (
	// Transport errors (1000-1999)
	ErrCodeTransport         ErrorCode = 1000
	ErrCodeConnectRejected   ErrorCode = 1001
	ErrCodeConnectTimedOut   ErrorCode = 1002
	ErrCodeCannotConnect     ErrorCode = 1003
	ErrCodeConnectionClosed  ErrorCode = 1004
	ErrCodeAuthMethod        ErrorCode = 1005

	// Consensus errors (2000-2999)
	ErrCodeConsensus         ErrorCode = 2000
	ErrCodePeerNotReady      ErrorCode = 2001
	ErrCodeOperationsError   ErrorCode = 2002
	ErrCodeInsufficientQuorum ErrorCode = 2003
	ErrCodeShuttingDown      ErrorCode = 2004
	ErrCodeUnwillingToPerform ErrorCode = 2005

	// State machine errors (3000-3999)
	ErrCodeStateMachine      ErrorCode = 3000
	ErrCodeEntryNotFound     ErrorCode = 3001
	ErrCodeApplyFailed       ErrorCode = 3002
	ErrCodeDecodeFailed      ErrorCode = 3003

	// Config errors (4000-4999)
	ErrCodeConfig            ErrorCode = 4000
	ErrCodeInvalidParameter  ErrorCode = 4001
)

// Category represents the error category.
type Category string

const (
	CategoryTransport    Category = "TRANSPORT"
	CategoryConsensus    Category = "CONSENSUS"
	CategoryStateMachine Category = "STATE_MACHINE"
	CategoryConfig       Category = "CONFIG"
)

// EngineError represents a structured error raised anywhere in the engine.
type EngineError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Hint     string
	Cause    error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ERROR %d (%s): %s - %s", e.Code, e.Category, e.Message, e.Detail)
	}
	return fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly rendering, including the hint.
func (e *EngineError) UserMessage() string {
	msg := fmt.Sprintf("ERROR: %s", e.Message)
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Hint != "" {
		msg += fmt.Sprintf("\nHINT: %s", e.Hint)
	}
	return msg
}

// WithDetail adds detail to the error.
func (e *EngineError) WithDetail(detail string) *EngineError {
	e.Detail = detail
	return e
}

// WithHint adds a hint to the error.
func (e *EngineError) WithHint(hint string) *EngineError {
	e.Hint = hint
	return e
}

// WithCause adds a cause to the error.
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// ============================================================================
// Transport error constructors. ConnectRejected, ConnectTimedOut,
// CannotConnect, ConnectionClosed, and AuthMethod all trigger a Peer
// Driver reconnect.
// ============================================================================

func ConnectRejected(peer string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeConnectRejected, Category: CategoryTransport,
		Message: fmt.Sprintf("connection rejected by peer %s", peer), Cause: cause,
	}
}

func ConnectTimedOut(peer string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeConnectTimedOut, Category: CategoryTransport,
		Message: fmt.Sprintf("connection to peer %s timed out", peer), Cause: cause,
	}
}

func CannotConnect(peer string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeCannotConnect, Category: CategoryTransport,
		Message: fmt.Sprintf("cannot connect to peer %s", peer), Cause: cause,
	}
}

func ConnectionClosed(peer string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeConnectionClosed, Category: CategoryTransport,
		Message: fmt.Sprintf("connection to peer %s closed", peer), Cause: cause,
	}
}

func AuthMethodFailed(peer string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeAuthMethod, Category: CategoryTransport,
		Message: fmt.Sprintf("authentication with peer %s failed", peer), Cause: cause,
		Hint: "verify the peer is configured with the same cluster_secret",
	}
}

// ============================================================================
// Consensus error constructors.
// ============================================================================

func PeerNotReady(peer string) *EngineError {
	return &EngineError{
		Code: ErrCodePeerNotReady, Category: CategoryConsensus,
		Message: fmt.Sprintf("peer %s not ready", peer),
	}
}

func OperationsError(detail string) *EngineError {
	return &EngineError{
		Code: ErrCodeOperationsError, Category: CategoryConsensus,
		Message: "raft invariant violation", Detail: detail,
	}
}

// InsufficientQuorum is returned to the caller of the Commit Hook when a
// log entry failed to reach a majority within the consensus timeout; the
// caller must abort its local write transaction.
func InsufficientQuorum(index uint64) *EngineError {
	return &EngineError{
		Code: ErrCodeInsufficientQuorum, Category: CategoryConsensus,
		Message: "insufficient quorum to commit",
		Detail:  fmt.Sprintf("index %d", index),
		Hint:    "retry the write; it will be re-proposed at a fresh index",
	}
}

func ShuttingDown() *EngineError {
	return &EngineError{
		Code: ErrCodeShuttingDown, Category: CategoryConsensus,
		Message: "engine is shutting down",
	}
}

func UnwillingToPerform(reason string) *EngineError {
	return &EngineError{
		Code: ErrCodeUnwillingToPerform, Category: CategoryConsensus,
		Message: "unwilling to perform", Detail: reason,
	}
}

// ============================================================================
// State machine error constructors.
// ============================================================================

func EntryNotFound(entryID uint64) *EngineError {
	return &EngineError{
		Code: ErrCodeEntryNotFound, Category: CategoryStateMachine,
		Message: fmt.Sprintf("entry %d not found", entryID),
	}
}

func ApplyFailed(index uint64, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeApplyFailed, Category: CategoryStateMachine,
		Message: fmt.Sprintf("failed to apply log index %d", index), Cause: cause,
	}
}

func DecodeFailed(detail string, cause error) *EngineError {
	return &EngineError{
		Code: ErrCodeDecodeFailed, Category: CategoryStateMachine,
		Message: "failed to decode log entry payload", Detail: detail, Cause: cause,
	}
}

// ============================================================================
// Config error constructors.
// ============================================================================

func InvalidParameter(field, reason string) *EngineError {
	return &EngineError{
		Code: ErrCodeInvalidParameter, Category: CategoryConfig,
		Message: fmt.Sprintf("invalid parameter %q", field), Detail: reason,
	}
}

// ============================================================================
// Helper functions.
// ============================================================================

// IsTransportError reports whether err is a transport-category error
// (the Peer Driver's reconnect loop should handle it locally).
func IsTransportError(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Category == CategoryTransport
	}
	return false
}

// IsQuorumError reports whether err is the specific insufficient-quorum
// failure a write caller should surface to its client as a retryable write.
func IsQuorumError(err error) bool {
	if e, ok := err.(*EngineError); ok {
		return e.Code == ErrCodeInsufficientQuorum
	}
	return false
}

// GetCode returns the error code if err is an *EngineError, or 0 otherwise.
func GetCode(err error) ErrorCode {
	if e, ok := err.(*EngineError); ok {
		return e.Code
	}
	return 0
}

// FormatError formats an error for operator-facing display.
func FormatError(err error) string {
	if e, ok := err.(*EngineError); ok {
		return e.UserMessage()
	}
	return fmt.Sprintf("ERROR: %v", err)
}
