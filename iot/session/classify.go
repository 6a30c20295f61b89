package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ClassifyConnectError maps an error of a connection attempt onto ErrAuthFailure,
// ErrNetworkUnreachable or ErrTimeout. The returned error wraps both the class and the cause.
func ClassifyConnectError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %w", connectErrorClass(err), err)
}

func connectErrorClass(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return ErrAuthFailure
	case errors.Is(err, packets.ErrorRefusedServerUnavailable):
		return ErrNetworkUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	}

	var unknownAuthority x509.UnknownAuthorityError
	var invalidCert x509.CertificateInvalidError
	var hostname x509.HostnameError
	var verification *tls.CertificateVerificationError
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) || errors.As(err, &hostname) ||
		errors.As(err, &verification) || errors.As(err, &recordHeader) {
		return ErrAuthFailure
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// alerts received from the peer surface as "remote error: tls: ..."
		if opErr.Op == "remote error" {
			return ErrAuthFailure
		}
		if opErr.Timeout() {
			return ErrTimeout
		}
		return ErrNetworkUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrNetworkUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	// paho does not always wrap its causes
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authori"),
		strings.Contains(msg, "bad user name or password"),
		strings.Contains(msg, "identifier rejected"),
		strings.Contains(msg, "certificate"),
		strings.Contains(msg, "tls:"),
		strings.Contains(msg, "x509:"):
		return ErrAuthFailure
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return ErrTimeout
	}
	return ErrNetworkUnreachable
}
