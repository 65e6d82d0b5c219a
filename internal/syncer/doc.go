// Package syncer drains the pending-mutation queue against the remote API.
//
// The Coordinator owns every queue transition after Enqueue. A drain walks
// the queue oldest-first, claims each eligible mutation, delivers it, and
// settles the outcome:
//
//   - success: the mutation is acknowledged and removed, and any record it
//     references flips to synced
//   - terminal rejection (HTTP 409/422 conflict or 400 invalid request):
//     the mutation is abandoned immediately, whatever its attempt count
//   - transient failure: a retry is scheduled with exponential backoff and
//     jitter, up to the attempt ceiling, after which the mutation is
//     abandoned
//
// Mutations of the same kind are strictly ordered: a head-of-line mutation
// that is waiting on its retry delay blocks everything behind it of the
// same kind, while other kinds keep draining. At most one drain runs at a
// time; a drain requested while one is running coalesces into a rerun of
// the active one.
//
// Each drain pass reports its outcome on the event bridge: one
// SYNC_COMPLETE carrying the acknowledged count, and one SYNC_FAILED
// carrying per-kind abandoned counts when anything was dropped.
package syncer
