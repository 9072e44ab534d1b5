// Package rabbitmq publishes log events to a RabbitMQ exchange and keeps
// going through broker back-pressure, connection loss and publish failures.
//
// An Output reads its settings from Config, dials the broker through the
// amqp091 transport (or uses an injected Connection) and encodes each event
// with a Codec before handing it to the Publisher. Receive blocks until the
// broker confirms the message; every transient failure is logged and retried
// with back-off, so a message is never dropped while the output is running.
//
// # Publishing pipeline
//
//   - Gate: a back-pressure gate that parks publishers while the broker has
//     blocked the connection or the connection is recovering.
//   - ChannelRegistry: one AMQP channel per worker, opened lazily and reused,
//     so concurrent workers never share a channel.
//   - PropertyTemplate: message properties compiled once, with %{field}
//     placeholders resolved per event.
//   - Publisher: the publish, confirm and retry loop tying the above together.
//
// # Configuration
//
// Config can be loaded from YAML with LoadConfig or LoadConfigFile, or built
// from a settings map with ConfigFromMap. The routing key, message properties
// and confirmTimeout may reference event fields ("logs.%{level}"). Durations
// use Go syntax ("5s") except confirmTimeout, which is given in seconds.
//
// # Watermill
//
// WatermillPublisher implements message.Publisher on top of an Output so a
// Watermill router can forward messages through the same confirmed,
// back-pressure-aware path.
package rabbitmq
