package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrInvalidNode          = errors.New("invalid node")
	ErrMissingRequiredInput = errors.New("missing required input")
	ErrNodeBusy             = errors.New("node busy")
	ErrProcessor            = errors.New("processor failed")
	ErrPatchRejected        = errors.New("patch rejected")
	ErrCanvasLocked         = errors.New("canvas locked")
	ErrNotFound             = errors.New("not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrTaskCancelled        = errors.New("task cancelled")
	ErrTaskFinished         = errors.New("task already finished")
)

// InvalidNodeError reports bad graph state around a node. Never retried.
type InvalidNodeError struct {
	NodeID        string
	RelatedNodeID string
	Reason        string
	Err           error
}

func (e *InvalidNodeError) Error() string {
	if e.RelatedNodeID != "" {
		return fmt.Sprintf("invalid node %s (related node %s): %s", e.NodeID, e.RelatedNodeID, e.Reason)
	}
	return fmt.Sprintf("invalid node %s: %s", e.NodeID, e.Reason)
}

func (e *InvalidNodeError) Is(target error) bool { return target == ErrInvalidNode }
func (e *InvalidNodeError) Unwrap() error        { return e.Err }

// MissingRequiredInputError is raised by the resolver when a required input
// has no connection or its source has no usable result
type MissingRequiredInputError struct {
	NodeID       string
	HandleID     string
	SourceNodeID string
	Reason       string
}

func (e *MissingRequiredInputError) Error() string {
	if e.HandleID == "" {
		return fmt.Sprintf("node %s: missing required input: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("node %s: missing required input on handle %s: %s", e.NodeID, e.HandleID, e.Reason)
}

func (e *MissingRequiredInputError) Is(target error) bool {
	return target == ErrMissingRequiredInput || target == ErrInvalidNode
}

// NodeBusyError means the node already has a queued or running task
type NodeBusyError struct {
	NodeID string
	TaskID string
}

func (e *NodeBusyError) Error() string {
	return fmt.Sprintf("node %s is busy with task %s", e.NodeID, e.TaskID)
}

func (e *NodeBusyError) Is(target error) bool { return target == ErrNodeBusy }

// ProcessorError is any failure surfaced by a processor
type ProcessorError struct {
	NodeID    string
	NodeType  string
	Message   string
	Transient bool
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s failed for node %s: %s", e.NodeType, e.NodeID, e.Message)
}

func (e *ProcessorError) Is(target error) bool { return target == ErrProcessor }

// PatchRejectedError means a patch was discarded in full
type PatchRejectedError struct {
	// Index of the failing operation, or -1 when the resulting state was invalid
	Index  int
	Op     OpType
	Path   string
	Reason string
	Err    error
}

func (e *PatchRejectedError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("patch rejected: %s", e.Reason)
	}
	return fmt.Sprintf("patch rejected at operation %d (%s %s): %s", e.Index, e.Op, e.Path, e.Reason)
}

func (e *PatchRejectedError) Is(target error) bool { return target == ErrPatchRejected }
func (e *PatchRejectedError) Unwrap() error        { return e.Err }

// LockContentionError means a mutation hit a canvas held by someone else
type LockContentionError struct {
	CanvasID  string
	Holder    string
	ExpiresAt time.Time
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("canvas %s is locked by %s until %s", e.CanvasID, e.Holder, e.ExpiresAt.Format(time.RFC3339))
}

func (e *LockContentionError) Is(target error) bool { return target == ErrCanvasLocked }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient flags err as safe to retry
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether a failure is worth retrying. Timeouts,
// network errors and explicitly marked errors qualify; graph and
// validation errors never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidNode) || errors.Is(err, ErrTaskCancelled) || errors.Is(err, context.Canceled) {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var pe *ProcessorError
	if errors.As(err, &pe) && pe.Transient {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne)
}
