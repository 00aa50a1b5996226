// Package meshnode holds the domain types shared by the node, the OnOff model,
// the provisioning workflow and the mesh stack adapters.
//
// Nothing in this package talks to a radio or a daemon. Adapters under infra/
// translate between these types and a concrete mesh stack.
package meshnode
