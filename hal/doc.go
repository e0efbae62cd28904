// Package hal defines the contract between an NFC Type 2 Tag protocol
// stack and a concrete radio front-end.
//
// The protocol stack calls the HAL interface; a driver (see the halsim,
// serialhal, libnfchal and remotehal subpackages) implements it and
// reports asynchronous activity through a single Listener registered via
// Setup. A session runs from a successful Setup to the matching Done:
//
//	uninitialized -> Setup -> ready -> Start -> active -> Stop -> ready -> Done
//
// Send is only meaningful while active; parameter access is meaningful
// from ready onward. The HAL interface itself does not police these
// transitions - wrap a driver in halguard.Guard to get enforcement.
//
// Buffer ownership is the load-bearing part of the contract:
//
//   - A DataReceived event's Data slice belongs to the driver and is valid
//     only until the listener returns. Copy it to retain it.
//   - A buffer passed to Send belongs to the caller and must stay
//     unmodified until the matching DataTransmitted event, which carries
//     that same buffer back.
//
// Drivers deliver events one at a time, in order, never before Setup has
// returned and never after Done has returned.
package hal
