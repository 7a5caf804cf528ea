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
Package errors provides the structured error type used across raftquorum.

It implements a small error taxonomy matching the categories the consensus
core distinguishes when deciding whether a failure is locally recoverable
or must propagate to the embedder:

  - CategoryConsensus: stale-epoch rejection, illegal role/vote transitions
  - CategoryReplication: log divergence, append rejection while not leader
  - CategoryTransport: unreachable peer, authorization failure
  - CategoryPersistence: durable-store I/O failure (fatal)
  - CategoryValidation: malformed configuration or inbound message
*/
package errors

import (
	"fmt"
)

// ErrorCode is a unique, stable error identifier.
type ErrorCode int

const (
	// Consensus errors (1000-1999)
	ErrCodeFencedEpoch       ErrorCode = 1000
	ErrCodeIllegalTransition ErrorCode = 1001
	ErrCodeNotVoter          ErrorCode = 1002
	ErrCodeVoteAlreadyCast   ErrorCode = 1003

	// Replication errors (2000-2999)
	ErrCodeOffsetOutOfRange ErrorCode = 2000
	ErrCodeNotLeader        ErrorCode = 2001
	ErrCodeLogGap           ErrorCode = 2002
	ErrCodeDigestMismatch   ErrorCode = 2003

	// Transport errors (3000-3999)
	ErrCodeBrokerNotAvailable ErrorCode = 3000
	ErrCodeAuthFailed         ErrorCode = 3001
	ErrCodeRequestTimeout     ErrorCode = 3002

	// Persistence errors (4000-4999), fatal
	ErrCodeStoreWriteFailed ErrorCode = 4000
	ErrCodeStoreCorrupted   ErrorCode = 4001
	ErrCodeQueueOverflow    ErrorCode = 4002

	// Validation errors (5000-5999)
	ErrCodeInvalidConfig ErrorCode = 5000
	ErrCodeUnknownAPIKey ErrorCode = 5001
)

// Category groups error codes for coarse-grained handling.
type Category string

const (
	CategoryConsensus   Category = "CONSENSUS"
	CategoryReplication Category = "REPLICATION"
	CategoryTransport   Category = "TRANSPORT"
	CategoryPersistence Category = "PERSISTENCE"
	CategoryValidation  Category = "VALIDATION"
)

// QuorumError is the structured error raised by raftquorum packages.
type QuorumError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Detail   string
	Cause    error
}

// Error implements the error interface.
func (e *QuorumError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s[%d]: %s - %s", e.Category, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *QuorumError) Unwrap() error {
	return e.Cause
}

// WithDetail attaches additional context to the error.
func (e *QuorumError) WithDetail(detail string) *QuorumError {
	e.Detail = detail
	return e
}

// WithCause attaches the root cause to the error.
func (e *QuorumError) WithCause(cause error) *QuorumError {
	e.Cause = cause
	return e
}

// ============================================================================
// Consensus errors
// ============================================================================

func FencedEpoch(ours, theirs uint32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeFencedEpoch,
		Category: CategoryConsensus,
		Message:  "request carries a stale epoch",
		Detail:   fmt.Sprintf("local epoch %d < peer epoch %d", ours, theirs),
	}
}

func IllegalTransition(from, to string) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeIllegalTransition,
		Category: CategoryConsensus,
		Message:  "illegal role transition",
		Detail:   fmt.Sprintf("%s -> %s", from, to),
	}
}

func NotVoter(nodeID int32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeNotVoter,
		Category: CategoryConsensus,
		Message:  "operation requires voter membership",
		Detail:   fmt.Sprintf("node %d is an observer", nodeID),
	}
}

func VoteAlreadyCast(epoch uint32, votedFor int32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeVoteAlreadyCast,
		Category: CategoryConsensus,
		Message:  "vote already cast this epoch",
		Detail:   fmt.Sprintf("epoch %d already voted for %d", epoch, votedFor),
	}
}

// ============================================================================
// Replication errors
// ============================================================================

func OffsetOutOfRange(requested uint64) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeOffsetOutOfRange,
		Category: CategoryReplication,
		Message:  "requested offset is out of range",
		Detail:   fmt.Sprintf("offset %d", requested),
	}
}

func NotLeader() *QuorumError {
	return &QuorumError{
		Code:     ErrCodeNotLeader,
		Category: CategoryReplication,
		Message:  "not the leader for this partition",
	}
}

func LogGap(have, want uint64) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeLogGap,
		Category: CategoryReplication,
		Message:  "append would create a gap in the log",
		Detail:   fmt.Sprintf("have end offset %d, append starts at %d", have, want),
	}
}

func DigestMismatch(offset uint64) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeDigestMismatch,
		Category: CategoryReplication,
		Message:  "batch payload does not match its integrity digest",
		Detail:   fmt.Sprintf("offset %d", offset),
	}
}

// ============================================================================
// Transport errors
// ============================================================================

func BrokerNotAvailable(destination int32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeBrokerNotAvailable,
		Category: CategoryTransport,
		Message:  "destination is not reachable",
		Detail:   fmt.Sprintf("node %d", destination),
	}
}

func AuthFailed(destination int32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeAuthFailed,
		Category: CategoryTransport,
		Message:  "cluster authorization failed",
		Detail:   fmt.Sprintf("node %d", destination),
	}
}

func RequestTimeout(correlationID uint32) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeRequestTimeout,
		Category: CategoryTransport,
		Message:  "request timed out",
		Detail:   fmt.Sprintf("correlation id %d", correlationID),
	}
}

// ============================================================================
// Persistence errors (fatal)
// ============================================================================

func StoreWriteFailed(path string, cause error) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeStoreWriteFailed,
		Category: CategoryPersistence,
		Message:  "failed to persist election record",
		Detail:   path,
		Cause:    cause,
	}
}

func StoreCorrupted(path string) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeStoreCorrupted,
		Category: CategoryPersistence,
		Message:  "election store contains unparseable non-empty data",
		Detail:   path,
	}
}

func QueueOverflow(queue string) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeQueueOverflow,
		Category: CategoryPersistence,
		Message:  "bounded queue overflowed",
		Detail:   queue,
	}
}

// ============================================================================
// Validation errors
// ============================================================================

func InvalidConfig(field, reason string) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeInvalidConfig,
		Category: CategoryValidation,
		Message:  fmt.Sprintf("invalid configuration field '%s'", field),
		Detail:   reason,
	}
}

func UnknownAPIKey(key int) *QuorumError {
	return &QuorumError{
		Code:     ErrCodeUnknownAPIKey,
		Category: CategoryValidation,
		Message:  "unknown api key",
		Detail:   fmt.Sprintf("key %d", key),
	}
}

// ============================================================================
// Helpers
// ============================================================================

// IsCategory reports whether err is a *QuorumError in the given category.
func IsCategory(err error, cat Category) bool {
	if e, ok := err.(*QuorumError); ok {
		return e.Category == cat
	}
	return false
}

// GetCode returns the error code if err is a *QuorumError, or 0 otherwise.
func GetCode(err error) ErrorCode {
	if e, ok := err.(*QuorumError); ok {
		return e.Code
	}
	return 0
}

// IsFatal reports whether err belongs to the category that must propagate
// to the embedder rather than being recovered inside the core (spec §7
// category 6).
func IsFatal(err error) bool {
	return IsCategory(err, CategoryPersistence)
}
