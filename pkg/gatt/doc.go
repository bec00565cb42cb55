// Package gatt is a BLE GATT session layer for both roles.
//
// In the client role a Central drives adapter power state, scanning, connecting
// and the discovery cascade (services, then characteristics, then descriptors),
// and publishes what it finds into a Graph of Peripheral, Characteristic and
// Descriptor wrappers. In the server role a Server publishes a static
// LocalService tree, advertises it, and answers read, write and subscription
// requests from remote centrals.
//
// Both sessions sit on top of a transport (CentralTransport, PeripheralTransport)
// that performs the radio work and reports completions asynchronously through
// the handler interfaces. Every handler call is funnelled onto the session's
// serial Executor; all graph and child-list mutation happens there, so the
// package uses no locks. Application-facing operations (Read, Write,
// DiscoverCharacteristics, Connect, ...) are fire-and-forget: their results
// arrive later through optional delegate callbacks that run on the executor.
//
// Graph entries are owned by generation-checked arenas. A wrapper handed to the
// application stays valid until Release is called on it (or on an ancestor);
// afterwards lookups report not found and late completion events addressed to
// it are dropped.
package gatt
