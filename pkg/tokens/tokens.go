// Package tokens implements the credential format shared by registration
// tokens (one-shot, operator-minted) and OpAMP bearer tokens (long-lived,
// per-gateway). A token is "id.secret" in hex; the server persists only the
// id and a digest of the secret.
package tokens

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jws"
)

var ErrMalformedToken = errors.New("malformed token")

const (
	idLen     = 6
	secretLen = 26
)

type Token struct {
	ID     []byte `json:"id"`
	Secret []byte `json:"secret"`
}

// NewToken draws 32 bytes of entropy and splits them into id and secret.
// An explicit source can be passed for deterministic tests.
func NewToken(source ...io.Reader) *Token {
	entropy := rand.Reader
	if len(source) > 0 {
		entropy = source[0]
	}
	buf := make([]byte, idLen+secretLen)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		panic(err)
	}
	return &Token{
		ID:     buf[:idLen],
		Secret: buf[idLen:],
	}
}

// SignDetached produces a detached JWS over the token's JSON form: header and
// signature segments only, with the payload segment left empty. Whoever holds
// the token can reattach the payload and verify.
func (t *Token) SignDetached(key any) ([]byte, error) {
	var alg jwa.SignatureAlgorithm
	switch key.(type) {
	case ed25519.PrivateKey:
		alg = jwa.EdDSA
	case *rsa.PrivateKey:
		alg = jwa.RS256
	default:
		return nil, errors.New("invalid key type, expected ed25519.PrivateKey or rsa.PrivateKey")
	}
	jsonData, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	sig, err := jws.Sign(jsonData, alg, key)
	if err != nil {
		return nil, err
	}
	firstIndex := bytes.IndexByte(sig, '.')
	lastIndex := bytes.LastIndexByte(sig, '.')
	buf := new(bytes.Buffer)
	buf.Write(sig[:firstIndex+1])
	buf.Write(sig[lastIndex:])
	return buf.Bytes(), nil
}

// VerifyDetached checks a detached signature produced by SignDetached against
// this token and the signer's public key. It returns the reassembled compact
// JWS on success.
func (t *Token) VerifyDetached(sig []byte, key any) ([]byte, error) {
	var alg jwa.SignatureAlgorithm
	switch key.(type) {
	case ed25519.PublicKey:
		alg = jwa.EdDSA
	case *rsa.PublicKey:
		alg = jwa.RS256
	default:
		return nil, errors.New("invalid key type, expected ed25519.PublicKey or rsa.PublicKey")
	}
	jsonData, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	firstIndex := bytes.IndexByte(sig, '.')
	lastIndex := bytes.LastIndexByte(sig, '.')
	if firstIndex == -1 || lastIndex == -1 {
		return nil, ErrMalformedToken
	}
	payload := base64.RawURLEncoding.EncodeToString(jsonData)
	buf := new(bytes.Buffer)
	buf.Write(sig[:firstIndex+1])
	buf.WriteString(payload)
	buf.Write(sig[lastIndex:])
	fullToken := buf.Bytes()
	_, err = jws.Verify(fullToken, alg, key)
	if err != nil {
		return nil, err
	}
	return fullToken, nil
}

func (t *Token) HexID() string {
	return hex.EncodeToString(t.ID)
}

func (t *Token) HexSecret() string {
	return hex.EncodeToString(t.Secret)
}

func (t *Token) EncodeToHex() string {
	return t.HexID() + "." + t.HexSecret()
}

// SecretHash returns the hex SHA256 digest of the secret. Only this digest
// is persisted; presenting the token is the only way to reproduce it.
func (t *Token) SecretHash() string {
	sum := sha256.Sum256(t.Secret)
	return hex.EncodeToString(sum[:])
}

// MatchesHash compares the token's secret digest against a stored digest in
// constant time.
func (t *Token) MatchesHash(storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(t.SecretHash()), []byte(storedHash)) == 1
}

func ParseHex(str string) (*Token, error) {
	parts := bytes.Split([]byte(str), []byte("."))
	if len(parts) != 2 ||
		len(parts[0]) != hex.EncodedLen(idLen) ||
		len(parts[1]) != hex.EncodedLen(secretLen) {
		return nil, ErrMalformedToken
	}
	t := &Token{
		ID:     make([]byte, idLen),
		Secret: make([]byte, secretLen),
	}
	if n, err := hex.Decode(t.ID, parts[0]); err != nil || n != idLen {
		return nil, ErrMalformedToken
	}
	if n, err := hex.Decode(t.Secret, parts[1]); err != nil || n != secretLen {
		return nil, ErrMalformedToken
	}
	return t, nil
}
