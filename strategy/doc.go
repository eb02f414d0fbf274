// Package strategy provides built-in worker selection strategies.
//
// A selection strategy picks one worker out of the current free set each
// time a job is acquired. The package includes two built-in strategies:
//
//   - RoundRobin: Persistent cursor over the free set (default)
//   - Rendezvous: Highest-random-weight hashing of the job id, for job affinity
//
// # Strategy Selection Guide
//
// RoundRobin:
//   - Use for interchangeable workers and independent jobs
//   - Spreads load even when the free set changes between calls
//   - Deterministic within one process; no cross-process fairness
//
// Rendezvous:
//   - Use when jobs with the same id benefit from landing on the same worker
//     (warm caches, loaded models) whenever that worker happens to be free
//   - Falls back to the next-highest scoring free worker when the preferred one is busy
//
// Custom strategies can be implemented by satisfying the types.SelectionStrategy interface.
// Strategies are always called with the registry lock held.
package strategy
