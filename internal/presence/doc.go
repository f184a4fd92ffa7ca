// Package presence derives user online status from connection lifecycle.
//
// # Overview
//
// A user is online while at least one of their connections is registered.
// Every connect persists and broadcasts user-online, so late or reconnecting
// devices refresh the user's last-active state. Offline is persisted and
// broadcast only when the last connection goes away; closing one of several
// devices changes nothing visible.
package presence
