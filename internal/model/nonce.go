package model

// Nonce binds a single native sign-in request to its callback. Exactly one
// nonce is live per in-flight attempt; it is discarded once the matching
// callback is processed, successfully or not.
type Nonce struct {
	Value string
	Hash  string
}
