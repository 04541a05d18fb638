// Package lifecycle coordinates the run state machine across the API
// frontend, the workers, and the reaper.
//
// The run row in the log store is the authority; the budget ledger is
// reconciled against it. Three rules make the coordination safe:
//
//   - Every mutation after create is a single compare-and-set on the run's
//     version column, optionally with extra predicates. Zero rows affected
//     means the caller lost a race and must stop.
//   - A terminal transition always runs the two-phase handshake: claim the
//     finalize stage, perform side effects (artifact upload, settle/refund),
//     then commit the terminal state under the claim token.
//   - Settle is first-caller-wins. The loser's ERR_NO_RESERVE is the signal
//     to abort before touching the run row.
//
// The reconciler closes the liveness gap: expired leases are finalized on the
// refund path, and claims stuck between the two phases are rolled forward —
// re-settling when the reservation survived, or force-settling the log when
// the ledger already moved the money.
package lifecycle
