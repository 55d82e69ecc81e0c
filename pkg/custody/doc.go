// Package custody provides the high-level library API for the custody
// engine: custody transitions, evidence scoring, escalation packets and
// notifications behind a single Engine.
//
// This package is the integration point for the CLI, the HTTP API and
// external Go consumers. It wires the internal packages from configuration
// into one value and exposes their operations.
//
// # Concurrency Safety
//
// An Engine is safe for concurrent use:
//
//   - Transition operations on the same item are serialized by the event
//     store's optimistic version check. When two writers race, exactly one
//     event lands first and the other is decided again against the new
//     state; if it is no longer legal it is recorded as rejected.
//
//   - Operations on different items do not contend.
//
//   - Notifications are queued after an event commits and delivered by
//     background workers. Delivery never blocks or fails a transition.
//
//   - Two Engines opened on the same file root serialize their appends
//     through the journal's file lock. Use the postgres backend when more
//     than one process writes the same streams.
//
// # Recommended Usage Pattern
//
//	eng, err := custody.Open(ctx, custody.Options{Root: dir})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	eng.RegisterItem(ctx, custody.RegisterRequest{ItemID: "ring-1", Custodian: "alice"})
//	res, err := eng.ProposeTransition(ctx, custody.ProposeRequest{
//	    ItemID: "ring-1", Initiator: "bob", ProposedNewCustodian: "bob",
//	})
//	eng.AcknowledgeTransition(ctx, res.Transition.TransitionID, "alice")
//	eng.ConfirmTransition(ctx, custody.ConfirmRequest{
//	    TransitionID: res.Transition.TransitionID, Actor: "alice", Rule: model.RuleDual,
//	})
package custody
