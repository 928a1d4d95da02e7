// Package mqtt publishes tutoring telemetry to an MQTT broker: one JSON
// event per completed turn, periodic runtime stats, and an availability
// topic backed by a will message.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic. The will message flips the topic to "offline" on
// unexpected disconnects.
package mqtt
