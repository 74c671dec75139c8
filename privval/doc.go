// Package privval holds the validator's signing key and prevents
// double-signing.
//
// A FilePV keeps the BLS private key in one JSON file and the last
// signing state in another. Before any signature leaves the process the
// new (height, round, step) is persisted and fsynced, so a crash
// between signing and broadcasting can never lead to a conflicting
// signature after restart.
//
// # Double-Sign Prevention
//
// LastSignState records the height, round, step, block hash and
// signature of the most recent sign request. A new request is checked
// against it:
//
//   - a lower height, or a lower round or step at the same height, is
//     refused as a regression
//   - the same coordinates with a different block hash is refused as a
//     double sign
//   - the same coordinates with the same payload returns the cached
//     signature, so retries after a crash are idempotent
//
// Steps order proposal < prevote < precommit within a round.
package privval
