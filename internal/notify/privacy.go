package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/diamondops/custody/pkg/model"
)

// Templates, one per notified transition type.
const (
	TemplateProposed  = "custody.proposed"
	TemplateContested = "custody.contested"
	TemplateConfirmed = "custody.confirmed"
)

type template struct {
	name           string
	transitionType string
	requiredAction string
}

var templates = map[model.EventType]template{
	model.EventTransitionProposed:   {TemplateProposed, "proposed", "Review the proposed custody transition."},
	model.EventTransitionReproposed: {TemplateProposed, "proposed", "Review the proposed custody transition."},
	model.EventTransitionContested:  {TemplateContested, "contested", "Resolve the contest before the transition can proceed."},
	model.EventTransitionConfirmed:  {TemplateConfirmed, "confirmed", "None. Custody has changed."},
}

// Template returns the template for an event type, if it notifies.
func Template(et model.EventType) (string, bool) {
	t, ok := templates[et]
	return t.name, ok
}

// Filter builds the privacy-filtered notice for a trigger. Only the item
// nickname and model, transition type, timestamp, coarse location and the
// required action leave the engine. Initiator identity, reasons, scores
// and attestations never do.
func Filter(t Trigger) (model.Notice, bool) {
	tpl, ok := templates[t.Event.EventType]
	if !ok {
		return model.Notice{}, false
	}
	loc := t.Transition.Location
	if loc == "" {
		loc = t.Item.Location
	}
	return model.Notice{
		ItemNickname:   t.Item.Nickname,
		ItemModel:      t.Item.Model,
		TransitionType: tpl.transitionType,
		Timestamp:      t.Event.Timestamp,
		CoarseLocation: CoarseLocation(loc),
		RequiredAction: tpl.requiredAction,
	}, true
}

// CoarseLocation reduces a location to roughly city precision. "lat,lng"
// pairs are rounded to one decimal (about 11 km). Free-form addresses keep
// their last two comma-separated parts.
func CoarseLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	parts := strings.Split(loc, ",")
	if len(parts) == 2 {
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lng, errLng := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if errLat == nil && errLng == nil {
			return fmt.Sprintf("%.1f,%.1f", lat, lng)
		}
	}
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, ", ")
}
