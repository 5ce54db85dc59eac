// Package rgt implements the Red Giant Transport handle-based API (§6):
// create_session/SessionHandle for exposing data over one UDP socket and
// create_client/ClientHandle for pulling it, each a thin lifecycle
// wrapper around one internal/session.Sender or internal/session.Receiver
// engine. Everything below this layer — wire codec, rate control,
// reliable-layer retry/hash, the exposure surface, the sender/receiver
// state machines — lives under internal/ and is not part of this API;
// this package exists only to give external callers (CLI tools, language
// bindings, an HTTP gateway) one stable entry point, per §6's boundary.
package rgt
