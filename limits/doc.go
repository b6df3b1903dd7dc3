// Package limits provides centralized size constants and validation functions
// for the hub mesh wire protocol, so the codec, the hubs and the virtual
// socket layer enforce the same bounds.
//
// # Size Hierarchy
//
//   - MaxVirtualFragment (32KB): the largest payload of one virtual circuit
//     data frame. Application writes are split into fragments.
//
//   - DefaultCredit (64KB): the flow-control window of a virtual circuit.
//     A sender never has more unacknowledged bytes in flight.
//
//   - MaxStringLength (65535): strings are prefixed by a 2-byte length.
//
//   - MaxProcessingBuffer (1MB): the absolute maximum for any blob read from
//     the network.
//
// # Validation Functions
//
//	if err := limits.ValidateVirtualFragment(chunk); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Lengths and counts decoded from frame headers are checked with
// ValidateLength and ValidateCount before any allocation happens.
package limits
