// Package relay implements the stateful broker core of the relay server.
//
// The core is made of four collaborating parts: the Registry tracks live
// connections and their roles, the Router dispatches decoded messages to role
// groups, the Reassembler rebuilds chunked backup archives, and the Supervisor
// probes connection liveness and enforces transfer deadlines on a single
// periodic sweep. Broker wires the four together and is the only type the
// transport layer talks to.
package relay
