// Package embedhost is the orchestration core of the embeddable widget
// runtime. It wires the session store, signature validator, frame manager,
// message router, and auth service into a two-phase lifecycle: an
// authenticating phase hosting the auth surface, then a forum phase
// hosting the forum surface for the authenticated identity.
//
// The embedding program constructs a Host with an EmbedConfig (launch-time
// widget configuration) and a RuntimeConfig (deployment endpoints, usually
// from the environment), calls Initialize, and calls Destroy when the
// widget is removed. Everything in between is driven by messages from the
// contexts: the auth surface reports completion, the router relays forum
// requests through the API proxy, and session changes from any tab of the
// same profile propagate through the broadcast channel.
package embedhost
