// Package node runs a mesh node in one of its two roles.
//
// A server joins the network and serves its OnOff state until stopped. A
// provisioner attaches to its own network, configures keys and bindings on
// itself, then admits the unprovisioned devices it finds.
package node
