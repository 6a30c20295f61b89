/*Package credentials is a small certificate authority for development and tests

It issues the X.509 credentials used for mutual TLS between kiosks and the broker:

	device certificates:	common name is the device ID, client authentication only
	server certificates:	DNS and IP subject alternative names, server authentication only

The broker accepts a kiosk only if the common name of its client certificate equals its
MQTT client ID.

Keys are ECDSA P-256 and stored as PKCS8 PEM. An authority can be created fresh with
NewAuthority or loaded from PEM files with LoadAuthorityFiles, for example files written
by tools/devcerts.
*/
package credentials
