// Package msgbus implements the development message bus: a WebSocket endpoint
// that any number of apps and tools connect to as peers.
//
// Every frame is a JSON envelope carrying "version": 2. Envelopes are
// classified as broadcasts (method only, delivered to every other peer),
// requests (method and target, answered by the bus itself when the target is
// "server" or forwarded to the named peer) and responses (routed back to the
// requester through the {requestId, clientId} id the bus stamped on the
// forwarded request). Peers are named client#0, client#1 and so on in
// connection order.
//
// The bus answers two server methods:
//
//	getid     the caller's own peer id
//	getpeers  a map of every other peer id to its connection query parameters
//
// Malformed frames, binary frames and envelopes with the wrong version are
// logged and dropped. Other failures are answered with an error envelope when
// the failing message carried an id.
package msgbus
