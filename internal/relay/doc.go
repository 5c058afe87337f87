// Package relay implements the message pool engine: groups of chat channels
// (pools) whose members mirror each other's messages across platforms.
//
// A message arriving on a pool member is rendered once per pool it belongs
// to and delivered to every other member, with per-message deduplication so
// a channel that sits in several pools receives a single copy (the first
// pool's rendering wins). The source channel never receives its own message
// back.
//
// Known limitation: the loop guard only drops messages authored by this
// bot's own account on the source platform. Two relay deployments bridged
// into each other's pools will still ping-pong messages; detecting such
// longer cycles would need cross-instance coordination and is intentionally
// out of scope.
package relay
