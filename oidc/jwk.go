package oidc

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWKS represents a JSON Web Key Set as published by the IdP
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a single JSON Web Key
type JWK struct {
	Kty string `json:"kty"`           // Key type (RSA, EC)
	Use string `json:"use,omitempty"` // sig or enc
	Kid string `json:"kid,omitempty"` // Key ID
	Alg string `json:"alg,omitempty"` // Algorithm
	N   string `json:"n,omitempty"`   // Modulus
	E   string `json:"e,omitempty"`   // Exponent
}

// PublicKey decodes an RSA JWK into a verification key.
func (j JWK) PublicKey() (*rsa.PublicKey, error) {
	if j.Kty != "RSA" {
		return nil, fmt.Errorf("[JWK.PublicKey] unsupported key type %q", j.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(j.N)
	if err != nil {
		return nil, fmt.Errorf("[JWK.PublicKey] failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(j.E)
	if err != nil {
		return nil, fmt.Errorf("[JWK.PublicKey] failed to decode exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, fmt.Errorf("[JWK.PublicKey] invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

// VerificationKeys returns the usable RSA signature keys indexed by kid.
// Keys marked for encryption or without a kid are skipped.
func (s JWKS) VerificationKeys() map[string]*rsa.PublicKey {
	keys := make(map[string]*rsa.PublicKey, len(s.Keys))
	for _, jwk := range s.Keys {
		if jwk.Kid == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		key, err := jwk.PublicKey()
		if err != nil {
			continue
		}
		keys[jwk.Kid] = key
	}
	return keys
}
