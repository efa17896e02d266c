// Package relay implements the signaling rendezvous service. It holds a
// registry of identity-to-connection mappings and routes envelopes between
// registered peers without inspecting their payloads.
//
// Two handler variants exist:
//
//   - Server: the addressed relay. Clients register an identity and route
//     envelopes by recipient; an absent recipient broadcasts to everyone
//     except the sender.
//   - RoomServer: the two-party room. The relay assigns roles on connect
//     and forwards every message verbatim to the other socket.
package relay
