// Package engine implements the weighted BFT consensus state machine.
//
// A height proceeds through rounds, and each round through these steps:
//
//	NewHeight → NewRound → Propose → Prevote → PrevoteWait → Precommit → PrecommitWait → Commit
//
// # Core Components
//
// Engine: the node-facing coordinator. Wires the state machine to the
// network, the WAL and the block executor, and manages lifecycle.
//
// ConsensusState: the state machine proper. Tracks height, round, step,
// the locked block and the valid block, and enforces the locking and
// proof-of-lock rules that make commits safe.
//
// VoteSet / HeightVoteSet: per-round vote aggregation. Verifies BLS
// signatures, tallies validator weight per block hash, detects
// equivocation, and assembles the quorum certificate once precommit
// weight crosses the threshold.
//
// TimeoutTicker: schedules the per-step deadlines. Deadlines grow
// linearly with the round number so that some round eventually completes
// under eventual synchrony.
//
// PeerState / PeerSet: per-peer height and round bookkeeping, consumed by
// block sync to pick download sources.
//
// BlockSyncer: catch-up for lagging nodes. Downloads missed blocks and
// accepts them on certificate verification alone, without voting.
//
// Replay: crash recovery. On start the engine re-reads its WAL past the
// last committed height and restores its proposal, votes and lock before
// processing live traffic.
//
// # Leader Selection
//
// The leader of (height, round) is chosen by hashing the chain ID with
// the height and round and mapping the result onto the cumulative weight
// line of the validator set. Selection is a pure function: any two nodes
// with the same validator set name the same leader without exchanging
// messages.
//
// # Thread Safety
//
// All public methods are safe for concurrent use. State transitions run
// on a single goroutine fed by the proposal, vote and timeout channels.
//
// # Consensus Properties
//
// Safety: conflicting commits at one height require at least a third of
// the total weight to sign conflicting votes, which the evidence pool
// makes attributable.
//
// Liveness: guaranteed under partial synchrony while validators holding
// more than two thirds of the weight are honest and connected.
package engine
