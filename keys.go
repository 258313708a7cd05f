package main

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

const toolKeyBits = 2048

// generateToolKey creates an RSA key pair and returns its kid (RFC 7638 thumbprint)
// with PEM encodings of both halves.
func generateToolKey() (kid string, publicPEM, privatePEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, toolKeyBits)
	if err != nil {
		return "", nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	kid, err = thumbprint(&priv.PublicKey)
	if err != nil {
		return "", nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", nil, nil, err
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return kid, publicPEM, privatePEM, nil
}

func thumbprint(pub *rsa.PublicKey) (string, error) {
	key, err := jwk.Import(pub)
	if err != nil {
		return "", fmt.Errorf("import public key: %w", err)
	}
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// parseRSAPrivateKey accepts PKCS1 and PKCS8 PEM.
func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", k)
	}
	return rk, nil
}

// parseRSAPublicKey accepts PKIX and PKCS1 PEM, as platforms hand out either.
func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from public key")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", k)
	}
	return rk, nil
}

// newToolKey creates and stores a key pair, returning its kid.
func (s *Store) newToolKey(ctx context.Context) (string, error) {
	kid, pub, priv, err := generateToolKey()
	if err != nil {
		return "", err
	}
	if err := s.SaveKey(ctx, kid, pub, priv); err != nil {
		return "", fmt.Errorf("save tool key: %w", err)
	}
	return kid, nil
}

// signingKey loads the decrypted private key for kid.
func (s *Store) signingKey(ctx context.Context, kid string) (*rsa.PrivateKey, error) {
	pemBytes, err := s.PrivateKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	return parseRSAPrivateKey(pemBytes)
}

// KeySet builds the public JWKS served on the keyset route.
func (s *Store) KeySet(ctx context.Context) (jwk.Set, error) {
	pubs, err := s.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	kids := make([]string, 0, len(pubs))
	for kid := range pubs {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := jwk.NewSet()
	for _, kid := range kids {
		pemBytes := pubs[kid]
		pub, err := parseRSAPublicKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("tool key %s: %w", kid, err)
		}
		key, err := jwk.Import(pub)
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return set, nil
}
