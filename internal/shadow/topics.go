package shadow

import "strings"

// DefaultPrefix is the AWS IoT reserved topic root.
const DefaultPrefix = "$aws/things"

// Operations and outcomes carried in shadow topic names.
const (
	OpGet    = "get"
	OpUpdate = "update"

	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Topics builds the shadow topic names for one thing.
type Topics struct {
	Prefix string
	Thing  string
}

// NewTopics returns the topics for thing under prefix; an empty prefix means DefaultPrefix.
func NewTopics(prefix, thing string) Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{Prefix: strings.TrimSuffix(prefix, "/"), Thing: thing}
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Thing + "/shadow"
}

func (t Topics) Get() string            { return t.base() + "/" + OpGet }
func (t Topics) GetAccepted() string    { return t.Get() + "/" + OutcomeAccepted }
func (t Topics) GetRejected() string    { return t.Get() + "/" + OutcomeRejected }
func (t Topics) Update() string         { return t.base() + "/" + OpUpdate }
func (t Topics) UpdateAccepted() string { return t.Update() + "/" + OutcomeAccepted }
func (t Topics) UpdateRejected() string { return t.Update() + "/" + OutcomeRejected }

// Responses lists the accepted topics, which carry state.
func (t Topics) Responses() []string {
	return []string{t.GetAccepted(), t.UpdateAccepted()}
}

// Subscriptions lists every response topic, accepted and rejected.
func (t Topics) Subscriptions() []string {
	return []string{t.GetAccepted(), t.GetRejected(), t.UpdateAccepted(), t.UpdateRejected()}
}

// Route is a parsed shadow topic.
type Route struct {
	Thing     string
	Operation string
	// Outcome is empty for requests.
	Outcome string
}

// Parse splits a shadow topic under prefix. ok is false for anything that is
// not a get or update request or response.
func Parse(prefix, topic string) (r Route, ok bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	rest, found := strings.CutPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if !found {
		return Route{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] == "" || parts[1] != "shadow" {
		return Route{}, false
	}
	r = Route{Thing: parts[0], Operation: parts[2]}
	if r.Operation != OpGet && r.Operation != OpUpdate {
		return Route{}, false
	}
	if len(parts) == 4 {
		r.Outcome = parts[3]
		if r.Outcome != OutcomeAccepted && r.Outcome != OutcomeRejected {
			return Route{}, false
		}
	}
	return r, true
}
