package forwarder

import "crypto/tls"

// TLSConfig builds the tls.Config for the HTTPS listener, delegating
// certificate selection entirely to the SNI Resolver (C6) per §4.6.
func TLSConfig(resolver *SNIResolver) *tls.Config {
	return &tls.Config{
		GetCertificate: resolver.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
