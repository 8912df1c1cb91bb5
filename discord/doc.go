// Minimal Discord client: a gateway websocket session that delivers message events in order, and a REST client for deleting messages.
//
// Only the parts of the platform API needed by the counting moderator are implemented.
package discord
