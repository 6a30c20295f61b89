/*Package queue holds the message model shared between a queue kiosk and the queue server.

Topics

A tenant, for example "clinic/default", owns two kinds of topics:

	queue/{tenant}/incoming/{device_id}   device events, published by the kiosk
	queue/{tenant}/updates                queue snapshots, broadcast by the server

Device events

A device event is a fact the kiosk asserts, for example that it displayed a token:

	{
	  "eventId": "kiosk-1/5b8c.../12",
	  "sequence": 12,
	  "deviceId": "kiosk-1",
	  "action": "token_displayed",
	  "token": 6,
	  "timestamp": "2026-10-19T08:30:00.123Z",
	  "screen_location": "Window A",
	  "brightness": 100
	}

Snapshots

A snapshot describes the complete queue. It is never a delta:

	{
	  "entries": [{"token": 5, "status": "serving"}, {"token": 6, "status": "waiting"}],
	  "lastToken": 6
	}

The next token to display is the first entry in server order with status "waiting".
*/
package queue
