// Package classify maps transport failures and HTTP status codes to the
// fixed error taxonomy recorded on delivery attempts.
package classify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

const (
	ConnectionTimeout = "connection_timeout"
	ReadTimeout       = "read_timeout"
	ConnectionRefused = "connection_refused"
	ConnectionReset   = "connection_reset"
	DNSError          = "dns_error"
	SSLError          = "ssl_error"
	UnknownError      = "unknown_error"

	ClientError = "client_error"
	ServerError = "server_error"
)

// Classify maps a transport-level error to an error code. Ordering
// matters: DNS and TLS failures are matched before the generic timeout
// checks, and a read timeout is distinguished from a connect timeout by
// the phase the error occurred in.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNSError
	}

	if isTLSError(err) {
		return SSLError
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return ConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return ConnectionReset
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if opErr.Timeout() {
			return ConnectionTimeout
		}
		return ConnectionRefused
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReadTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReadTimeout
	}

	// Fallback string matching for wrapped transport errors that lose
	// their type (e.g. "Client.Timeout exceeded while awaiting headers").
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return DNSError
	case strings.Contains(msg, "connection refused"):
		return ConnectionRefused
	case strings.Contains(msg, "connection reset"):
		return ConnectionReset
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
		return SSLError
	case strings.Contains(msg, "timeout"):
		return ReadTimeout
	}

	return UnknownError
}

// ClassifyHTTPStatus returns an error code for a terminal HTTP status,
// or "" for 2xx and anything outside the client/server error ranges.
// Redirects are resolved by the HTTP client before this is consulted.
func ClassifyHTTPStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status >= 400 && status < 500:
		return ClientError
	case status >= 500 && status < 600:
		return ServerError
	default:
		return ""
	}
}

func isTLSError(err error) bool {
	var (
		certErr       *tls.CertificateVerificationError
		recordErr     tls.RecordHeaderError
		unknownAuth   x509.UnknownAuthorityError
		hostnameErr   x509.HostnameError
		certInvalid   x509.CertificateInvalidError
		untrustedCert *x509.SystemRootsError
	)
	return errors.As(err, &certErr) ||
		errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &untrustedCert)
}
