package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/hamed0406/domainhealth/internal/domain"
)

// Classify maps a transport error onto a stable error code and a
// human-readable cause sentence.
func Classify(err error, host string) (domain.ErrorCode, string) {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return domain.ErrDNSFailure, fmt.Sprintf("Could not resolve host %s.", host)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return domain.ErrTimeout, fmt.Sprintf("Request to %s timed out.", host)
	case errors.Is(err, syscall.ECONNREFUSED):
		return domain.ErrConnectionRefused, fmt.Sprintf("Connection to %s was refused.", host)
	case isTLSError(err):
		return domain.ErrTLS, fmt.Sprintf("TLS handshake with %s failed: %s.", host, rootMessage(err))
	default:
		return domain.ErrHTTP, fmt.Sprintf("Request to %s failed: %s.", host, rootMessage(err))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSError(err error) bool {
	var (
		verifyErr *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
		authErr   x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invalid   x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &recordErr) ||
		errors.As(err, &authErr) || errors.As(err, &hostErr) || errors.As(err, &invalid) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

// rootMessage strips the "Get \"url\": " prefix that net/http adds.
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
