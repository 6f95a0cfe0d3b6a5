package certstore

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// marshalKey encodes a private key to DER for PEM persistence. Only RSA
// keys are produced by this store (self-signed and ACME-issued material
// are both 2048-bit RSA per §4.4/§4.5), but PKCS8 covers any future key
// type without a switch needing to grow.
func marshalKey(key any) (der []byte, blockType string, err error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS1PrivateKey(k), "RSA PRIVATE KEY", nil
	default:
		der, err = x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, "", fmt.Errorf("certstore: marshal key: %w", err)
		}
		return der, "PRIVATE KEY", nil
	}
}
