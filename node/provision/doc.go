// Package provision brings a provisioner onto its own network and admits the
// devices it discovers.
//
// Configurator installs the network and application keys on the local node
// and binds the application key to the local OnOff models. Admitter consumes
// the mesh stack's event stream, turns scan results into candidates and
// admits them one at a time.
package provision
