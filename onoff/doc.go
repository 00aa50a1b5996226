// Package onoff implements the Generic OnOff models of a node.
//
// Server owns the node's single on/off value and answers Get, Set and Set
// Unacknowledged. Client issues those requests and correlates the Status
// replies; the provisioner uses it for its loopback self-test.
//
// Replies are sent in one of two modes. A Get reply is detached: the handler
// returns immediately and send failures go to the log and the error hook. A
// Set reply is awaited: the handler returns the send error to its caller.
package onoff
