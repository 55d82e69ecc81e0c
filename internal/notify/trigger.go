package notify

import "github.com/diamondops/custody/pkg/model"

// Trigger is an accepted custody event that may produce a notification.
type Trigger struct {
	Event model.CustodyEvent
	// Item is the item as it was before the event applied, so its
	// custodian is the custodian at the time of the event.
	Item       model.CustodyItem
	Transition model.CustodyTransition
}
