// Package publish sends selected artifacts to a message transport.
//
// A Throttle subscribes to the encoder pipeline and publishes at most one
// artifact per minimum interval. Selected artifacts are read from disk,
// wrapped in a JSON Payload and handed to a Transport: MQTT, a WebSocket sink,
// or the log.
package publish
