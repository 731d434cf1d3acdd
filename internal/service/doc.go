// Package service implements supervision of job workers on a node.
//
// Overview
// The Supervisor loads the node's job documents from the store, merges them
// into bundles and runs one worker process per bundle. Workers register on a
// local control endpoint guarded by a per-process secret, which is how the
// supervisor asks them to exit. A Listener follows the node's change feed
// for as long as the worker set runs.
//
// Data flow:
//
//	Supervisor              Spawner/Handle            rpc.Server          Listener
//	    |  JobDocs -> Bundles     |                        |                   |
//	    |  Hold signals           |                        |                   |
//	    |  Spawn(bundle) -------->| exec _worker --------->| Accept(n)         |
//	    |  Release signals        |                        |                   |
//	    |  ------------------------------------------------------------------>| Run: _changes
//	    |                         |                        |                   | heartbeat -> Heartbeat + log flush
//	    |                         |                        |                   | job change -> Reload
//	    |  quit/reload ---------------------------------> Broadcast("exit")    | command -> ret + BulkDocs
//	    |<------- Result ---------| (process exits)        |                   |
//	    |  grace window passed -> Kill process groups, ErrForceRestart         |
//	    |  join <---------------------------------------------------------------|
//
// Invariants:
//   - Quit and reload signals never interrupt spawning, they are applied
//     right after the worker set is complete.
//   - The exit broadcast is sent at most once per worker set.
//   - Each worker produces exactly one Result.
//   - A reload which had to kill workers ends Run with ErrForceRestart, a quit
//     which had to kill workers ends normally.
//
// internal/service/supervisor_test.go is the best source about how to properly
// use the Supervisor struct.
package service
