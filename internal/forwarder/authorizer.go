package forwarder

// Authorizer adapts a route resolver into the hostAuthorizer the SNI
// Resolver needs: a mapping exists for a host at path "/" iff it is
// authorized to receive an ACME-issued certificate (§4.6 step 2).
type Authorizer struct {
	resolver routeResolver
}

// NewAuthorizer builds an Authorizer over the given resolver.
func NewAuthorizer(resolver routeResolver) *Authorizer {
	return &Authorizer{resolver: resolver}
}

// Authorized reports whether a mapping for host matches the path "/". A
// host whose mappings all carry a non-empty front_uri is not authorized.
func (a *Authorizer) Authorized(host string) bool {
	m, err := a.resolver.Get(host, "/")
	return err == nil && m != nil
}
