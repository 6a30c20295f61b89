// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the MQTT side of the queue kiosk

A kiosk keeps one mutually authenticated MQTT session to the broker. It subscribes to the
queue updates of its tenant, mirrors the latest snapshot for its screen and reports device
events such as displayed or issued tokens.

The packages are layered:

	queue         topics, wire types and JSON schemas
	session       the transport session on top of Paho, with lifecycle signals
	subscription  per-epoch subscription bookkeeping
	publisher     device event publishing with sequence numbers
	reconciler    the local view of the queue
	kiosk         the sync controller which drives all of the above
	display       the local HTTP API for the kiosk's screen
	broker        a development broker with certificate based device authorization
	credentials   certificate authority and key pairs for broker and devices

*/
package iot
