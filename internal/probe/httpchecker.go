package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/hamed0406/domainhealth/internal/domain"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultSSLWarning = 7 * 24 * time.Hour
)

// HTTPProber checks a target with a single HTTP request and, when the
// target has ssl enabled, inspects the leaf certificate expiry.
type HTTPProber struct {
	Client *http.Client
	// Method defaults to GET.
	Method string
	// Scheme defaults to https.
	Scheme string
	// SSLWarning is the window before certificate expiry that counts as failure.
	SSLWarning time.Duration
	// Healthy decides which status codes count as up. Defaults to 2xx/3xx.
	Healthy func(status int) bool
	// Resolver is used to explain DNS failures. nil uses net.DefaultResolver.
	Resolver Resolver
	Now      func() time.Time
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 || timeout > DefaultTimeout {
		timeout = DefaultTimeout
	}
	return &HTTPProber{
		Client:     &http.Client{Timeout: timeout},
		Method:     http.MethodGet,
		Scheme:     "https",
		SSLWarning: DefaultSSLWarning,
	}
}

func healthyStatus(status int) bool { return status >= 200 && status < 400 }

func (h *HTTPProber) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *HTTPProber) Probe(ctx context.Context, target domain.MonitorTarget) domain.ProbeResult {
	method := h.Method
	if method == "" {
		method = http.MethodGet
	}
	url := target.URL(h.Scheme)
	res := domain.ProbeResult{
		CheckedURL: url,
		HTTPMethod: method,
		CheckedAt:  h.now(),
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		res.ErrorCode = domain.ErrHTTP
		res.ErrorCause = fmt.Sprintf("Invalid request for %s: %v.", url, err)
		return res
	}
	var remote string
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Conn != nil {
				remote = info.Conn.RemoteAddr().String()
			}
		},
	}))

	start := time.Now()
	resp, err := h.Client.Do(req)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		host := hostname(target.Host)
		res.ErrorCode, res.ErrorCause = Classify(err, host)
		if res.ErrorCode == domain.ErrDNSFailure {
			if desc := CheckDNS(ctx, h.Resolver, host).Class.describe(); desc != "" {
				res.ErrorCause = fmt.Sprintf("Could not resolve host %s: %s.", host, desc)
			}
		}
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	status := resp.StatusCode
	res.StatusCode = &status
	res.ResponseTimeMS = &latency
	res.ResolvedAddress = addrHost(remote)

	healthy := h.Healthy
	if healthy == nil {
		healthy = healthyStatus
	}
	if !healthy(status) {
		res.ErrorCode = domain.ErrHTTP
		res.ErrorCause = fmt.Sprintf("%s returned HTTP %s.", url, resp.Status)
		return res
	}

	if target.Config.SSLEnabled() {
		expires, err := h.certExpiry(ctx, resp, target.Host)
		if err != nil {
			res.ErrorCode = domain.ErrTLS
			res.ErrorCause = fmt.Sprintf("Could not read the SSL certificate of %s: %v.", hostname(target.Host), err)
			return res
		}
		res.CertExpiresAt = &expires
		if cause, expiring := h.sslVerdict(target.Host, expires, res.CheckedAt); expiring {
			res.ErrorCode = domain.ErrSSLExpiring
			res.ErrorCause = cause
			return res
		}
	}

	res.Success = true
	return res
}

func (h *HTTPProber) sslVerdict(host string, expires, now time.Time) (string, bool) {
	window := h.SSLWarning
	if window <= 0 {
		window = DefaultSSLWarning
	}
	left := expires.Sub(now)
	switch {
	case left <= 0:
		return fmt.Sprintf("SSL certificate for %s expired on %s.", hostname(host), expires.Format(time.RFC1123)), true
	case left <= window:
		days := int(left.Hours() / 24)
		return fmt.Sprintf("SSL certificate for %s expires in %d day(s) on %s.", hostname(host), days, expires.Format(time.RFC1123)), true
	default:
		return "", false
	}
}

// certExpiry takes the leaf certificate from the HTTP response when the
// request went over TLS, otherwise dials port 443 just for the handshake.
func (h *HTTPProber) certExpiry(ctx context.Context, resp *http.Response, host string) (time.Time, error) {
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		return resp.TLS.PeerCertificates[0].NotAfter, nil
	}

	name := hostname(host)
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: h.Client.Timeout},
		Config:    &tls.Config{ServerName: name},
	}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(name, "443"))
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()
	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, fmt.Errorf("no peer certificate presented")
	}
	return certs[0].NotAfter, nil
}

// hostname strips any port and path from a stored host value.
func hostname(host string) string {
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func addrHost(remote string) string {
	if remote == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(remote); err == nil {
		return h
	}
	return remote
}
