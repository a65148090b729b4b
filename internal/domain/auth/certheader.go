package auth

import (
	"context"
	"log/slog"
	"strings"
)

// Forwarded client-certificate headers. The gateway never terminates TLS
// itself; a reverse proxy that did the mTLS handshake forwards the result.
const (
	HeaderCertVerified = "X-Client-Cert-Verified"
	HeaderCertCN       = "X-Client-Cert-CN"
	HeaderCertSANDNS   = "X-Client-Cert-SAN-DNS"
	HeaderCertSANEmail = "X-Client-Cert-SAN-Email"
)

// CertIdentitySource selects which certificate field becomes the identity id.
type CertIdentitySource string

const (
	// CertSourceCN uses the certificate common name.
	CertSourceCN CertIdentitySource = "cn"
	// CertSourceDNS uses the first DNS subject alternative name.
	CertSourceDNS CertIdentitySource = "dns"
	// CertSourceEmail uses the first email subject alternative name.
	CertSourceEmail CertIdentitySource = "email"
)

// CertHeaderProvider extracts identities from forwarded client-certificate
// headers. Headers are honored only when the immediate peer is a trusted
// proxy; anything else is treated as a spoofing attempt and dropped.
type CertHeaderProvider struct {
	trusted *TrustedProxies
	source  CertIdentitySource
	logger  *slog.Logger
}

// NewCertHeaderProvider creates the provider. source defaults to the
// common name when empty.
func NewCertHeaderProvider(trusted *TrustedProxies, source CertIdentitySource, logger *slog.Logger) *CertHeaderProvider {
	if source == "" {
		source = CertSourceCN
	}
	return &CertHeaderProvider{
		trusted: trusted,
		source:  source,
		logger:  logger.With("component", "auth.certheader"),
	}
}

// Name implements Provider.
func (p *CertHeaderProvider) Name() string { return MethodMTLS }

// Authenticate builds an identity from the forwarded headers. The peer IP
// gate runs first: untrusted peers get no identity no matter what headers
// they send.
func (p *CertHeaderProvider) Authenticate(_ context.Context, cred Credential) (*Identity, error) {
	if !p.trusted.Trusted(cred.PeerIP) {
		if cred.Headers[HeaderCertVerified] != "" || cred.Headers[HeaderCertCN] != "" {
			p.logger.Warn("dropping client-cert headers from untrusted peer", "peer_ip", cred.PeerIP)
		}
		return nil, NewError(KindMissingCredentials, "peer is not a trusted proxy")
	}

	verified := cred.Headers[HeaderCertVerified]
	cn := strings.TrimSpace(cred.Headers[HeaderCertCN])
	if verified == "" && cn == "" {
		return nil, NewError(KindMissingCredentials, "no client certificate forwarded")
	}

	var id string
	switch p.source {
	case CertSourceCN:
		id = cn
	case CertSourceDNS:
		id = firstListed(cred.Headers[HeaderCertSANDNS])
	case CertSourceEmail:
		id = firstListed(cred.Headers[HeaderCertSANEmail])
	}
	if id == "" {
		return nil, NewError(KindInternal, "certificate is missing the configured identity source")
	}

	claims := map[string]any{"auth_method": MethodMTLS}
	if cn != "" {
		claims["cn"] = cn
	}
	return &Identity{
		ID:     id,
		Name:   cn,
		Claims: claims,
	}, nil
}

// firstListed returns the first entry of a comma-separated header value.
func firstListed(value string) string {
	if value == "" {
		return ""
	}
	first, _, _ := strings.Cut(value, ",")
	return strings.TrimSpace(first)
}

var _ Provider = (*CertHeaderProvider)(nil)
