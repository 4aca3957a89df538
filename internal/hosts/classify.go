package hosts

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

// OfflineReason classifies why a host session could not be established.
type OfflineReason string

const (
	ReasonUnreachable   OfflineReason = "unreachable"
	ReasonTLSInvalid    OfflineReason = "tls_invalid"
	ReasonAuthFailed    OfflineReason = "auth_failed"
	ReasonProtocolError OfflineReason = "protocol_error"
)

// ClassifyError maps a connection error to an offline reason. Network
// errors mean the daemon never answered; TLS and auth failures mean it
// did and rejected us; everything else is a protocol level failure.
func ClassifyError(err error) OfflineReason {
	if err == nil {
		return ""
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return ReasonTLSInvalid
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ReasonTLSInvalid
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "i/o timeout"):
		return ReasonUnreachable
	case strings.Contains(msg, "certificate"),
		strings.Contains(msg, "tls"):
		return ReasonTLSInvalid
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "forbidden"):
		return ReasonAuthFailed
	}
	return ReasonProtocolError
}
