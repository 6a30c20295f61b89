/*Package session provides the transport session of a queue kiosk.

A session owns exactly one mutually authenticated MQTT connection to the broker. It
exposes connect, disconnect, subscribe and publish, all with at-least-once quality (QoS 1),
and reports the connection lifecycle on a signal channel:

	SignalResumed      a connection is up; carries the connection epoch
	SignalInterrupted  the connection dropped; the transport reconnects on its own
	SignalFatal        the transport gave up; the session is unusable

The epoch is incremented for every successful connection, including the first one. Receivers
must be prepared to see the same epoch more than once.

The production implementation is MQTT, built on the Eclipse Paho client with automatic
reconnects and exponential backoff. Tests use the Fake in package sessiontest.
*/
package session
