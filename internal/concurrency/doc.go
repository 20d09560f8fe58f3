// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for syncpulse-ws: the event loop that serializes
// broadcast work and drives fixed-interval periodic tasks from a bounded
// tick, so a slow handler never starves the schedule.
package concurrency
