// Package broadcast carries cross-instance notifications.
//
// Every running instance publishes a [Message] after it writes the shared
// store and subscribes to everyone else's. Delivery is fire-and-forget and
// reaches all subscribers, including the publisher; receivers filter their
// own messages by [Message.InstanceID].
//
// Two channels are provided:
//   - [Hub] fans messages out in process. Tests and single-process setups
//     with several simulated instances use it.
//   - [DirChannel] writes each message as a JSON file into a shared
//     directory and watches that directory with fsnotify, so separate
//     processes on one machine see each other's writes.
package broadcast
