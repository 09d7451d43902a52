package tms

import (
	"crypto/tls"
	"net/http"
)

// noProxyTransport wraps base so the ambient proxy environment
// (HTTP_PROXY/HTTPS_PROXY/NO_PROXY) is never honoured by default.
func noProxyTransport(base http.RoundTripper) http.RoundTripper {
	if t, ok := base.(*http.Transport); ok {
		clone := t.Clone()
		clone.Proxy = nil
		return clone
	}
	return base
}

// insecureTransport builds a transport with TLS verification disabled,
// used only when AllowInsecureTLS is explicitly set.
func insecureTransport() http.RoundTripper {
	return &http.Transport{
		Proxy:           nil,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
}
