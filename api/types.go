// File: api/types.go
//
// Shared API-level type declarations, DTOs, and constants for the transport
// core: queue identifiers, transfer direction, and the device-reported
// completion status taxonomy.

package api

import "fmt"

// QID is the 16-bit opaque queue identifier the device addresses queues by.
// 0 is reserved for the bring-up CQ, 1 for the bring-up SQ.
type QID uint16

const (
	// BootstrapCQID is the completion queue registered during bring-up.
	BootstrapCQID QID = 0
	// BootstrapSQID is the submission queue registered during bring-up,
	// dedicated to the command-queue dispatcher.
	BootstrapSQID QID = 1
)

// Direction describes which way a DMA buffer (or a memory-queue
// registration) flows relative to the device.
type Direction int

const (
	DirectionToDevice Direction = iota
	DirectionFromDevice
	DirectionBidirectional
)

func (d Direction) String() string {
	switch d {
	case DirectionToDevice:
		return "to_device"
	case DirectionFromDevice:
		return "from_device"
	case DirectionBidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// CompletionStatus is the status word a completion entry carries.
type CompletionStatus uint16

const (
	CompletionSuccess CompletionStatus = iota
	CompletionError
	CompletionAborted
	CompletionNoSpace
	CompletionOverrun
)

func (s CompletionStatus) String() string {
	switch s {
	case CompletionSuccess:
		return "success"
	case CompletionError:
		return "error"
	case CompletionAborted:
		return "aborted"
	case CompletionNoSpace:
		return "no_space"
	case CompletionOverrun:
		return "overrun"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// CompletionData is the payload handed to a per-queue completion callback,
// mirroring the {status, data_size, result} triple of the wire completion
// entry (the qid/completion_index fields are consumed by the routing layer
// before the callback ever sees the entry).
type CompletionData struct {
	Status   CompletionStatus
	DataSize uint64
	Result   uint64
}
