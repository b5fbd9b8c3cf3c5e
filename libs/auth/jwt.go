package auth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the caller identity the platform cares about: the user id
// and the role under which they act (CUSTOMER, DERMATOLOGIST, ADMIN).
type Claims struct {
	Sub  string `json:"sub"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
	Iat  int64  `json:"iat"`
}

type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// splitToken returns the three dot-separated segments of a compact JWT.
func splitToken(token string) (header, payload, sig string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", ErrInvalidToken
	}
	return parts[0], parts[1], parts[2], nil
}

// decodeClaims unmarshals the payload segment and rejects expired tokens.
func decodeClaims(payload string) (*Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// ParseJWTNoVerify decodes claims without checking the signature. Only for
// contexts where an upstream gateway already verified the token.
func ParseJWTNoVerify(token string) (*Claims, error) {
	_, payload, _, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	return decodeClaims(payload)
}

// ParseHeader decodes the JOSE header, used to pick a JWKS key by kid.
func ParseHeader(token string) (*Header, error) {
	rawHeader, _, _, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(rawHeader)
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, ErrInvalidToken
	}
	return &header, nil
}

func SignHS256(claims Claims, secret string) (string, error) {
	headerJSON, err := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	unsigned := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	return unsigned + "." + hmacSHA256(unsigned, secret), nil
}

func ParseAndVerifyHS256(token, secret string) (*Claims, error) {
	header, payload, sig, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	unsigned := header + "." + payload
	if !hmac.Equal([]byte(sig), []byte(hmacSHA256(unsigned, secret))) {
		return nil, ErrInvalidToken
	}
	return decodeClaims(payload)
}

func hmacSHA256(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func VerifyRS256(token string, pubKey crypto.PublicKey) (*Claims, error) {
	header, payload, rawSig, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(rawSig)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(header + "." + payload))
	if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], sig); err != nil {
		return nil, ErrInvalidToken
	}
	return decodeClaims(payload)
}
