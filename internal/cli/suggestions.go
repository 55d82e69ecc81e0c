package cli

import (
	"errors"
	"fmt"

	"github.com/diamondops/custody/pkg/color"
	"github.com/diamondops/custody/pkg/custody"
	"github.com/diamondops/custody/pkg/errclass"
)

var errNotInitialized = errors.New("not a custody root (no .custody directory)")

// suggest returns a one-line hint for errors a user can act on, or "".
func suggest(err error) string {
	if errors.Is(err, errNotInitialized) {
		return fmt.Sprintf("Run %s to create one, or pass %s.", color.Code("custody init"), color.Code("--root"))
	}
	var unscored *custody.UnscoredError
	if errors.As(err, &unscored) {
		return fmt.Sprintf("The artifact was stored. Run %s instead of ingesting it again.", color.Code("custody artifact rescore "+unscored.ArtifactID))
	}
	if errors.Is(err, errUnhealthy) {
		return fmt.Sprintf("Run %s to see which chain is broken.", color.Code("custody verify"))
	}
	switch errclass.Code(err) {
	case errclass.ErrUnknownItem.Code:
		return fmt.Sprintf("Run %s to see registered items.", color.Code("custody item list"))
	case errclass.ErrUnknownTransition.Code:
		return fmt.Sprintf("Run %s to see the item's transitions.", color.Code("custody item show <item-id>"))
	case errclass.ErrDuplicateActiveTransition.Code:
		return "Resolve or revoke the active transition before proposing another."
	case errclass.ErrCustodyLocked.Code:
		return fmt.Sprintf("The current custodian can lift the lock with %s.", color.Code("custody item unlock"))
	case errclass.ErrRateLimitExceeded.Code:
		return "Too many proposals from this initiator; try again later."
	case errclass.ErrSubThresholdAssertion.Code:
		return fmt.Sprintf("Run %s, or build at a lower level.", color.Code("custody artifact rescore <artifact-id>"))
	case errclass.ErrAuditChainBroken.Code:
		return "The journal was modified outside the engine. Restore it from a backup."
	}
	return ""
}
