package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// errServerSignatureMismatch means the server could not prove knowledge of
// the password-derived server key. A mismatch is a forged-server signal
// and is never retried.
var errServerSignatureMismatch = errors.New("auth: server signature mismatch")

const gs2Header = "n,,"

// conversation tracks one SCRAM-SHA-256 exchange: client-first,
// server-first, client-final, server-final. It holds the intermediate
// cryptographic material between messages and is discarded afterwards.
type conversation struct {
	username        string
	password        string
	clientNonce     string
	clientFirstBare string
	serverFirstRaw  string
	combinedNonce   string
	salt            []byte
	iterations      int
	saltedPassword  []byte
	authMessage     string
}

func newConversation(username, password, clientNonce string) *conversation {
	return &conversation{
		username:    username,
		password:    password,
		clientNonce: clientNonce,
	}
}

// clientFirst builds the initial message naming the user and the client
// nonce.
func (c *conversation) clientFirst() string {
	c.clientFirstBare = "n=" + saslName(c.username) + ",r=" + c.clientNonce
	return gs2Header + c.clientFirstBare
}

// setServerFirst parses the salt, iteration count, and combined nonce from
// the server challenge. The combined nonce must begin with the client
// nonce.
func (c *conversation) setServerFirst(raw string) error {
	attrs, err := parseScramAttrs(raw)
	if err != nil {
		return err
	}
	nonce, ok := attrs["r"]
	if !ok || nonce == "" {
		return fmt.Errorf("auth: server-first message is missing nonce")
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return fmt.Errorf("auth: server nonce does not extend client nonce")
	}
	saltB64, ok := attrs["s"]
	if !ok {
		return fmt.Errorf("auth: server-first message is missing salt")
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return fmt.Errorf("auth: server salt is not valid base64: %w", err)
	}
	iterations, err := strconv.Atoi(attrs["i"])
	if err != nil || iterations < 1 {
		return fmt.Errorf("auth: server iteration count %q is invalid", attrs["i"])
	}

	c.serverFirstRaw = raw
	c.combinedNonce = nonce
	c.salt = salt
	c.iterations = iterations
	return nil
}

// clientFinal derives the salted key, computes the proof over the full
// transcript, and builds the final client message.
func (c *conversation) clientFinal() (string, error) {
	if c.serverFirstRaw == "" {
		return "", fmt.Errorf("auth: client-final requested before server-first")
	}

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + c.combinedNonce
	c.authMessage = c.clientFirstBare + "," + c.serverFirstRaw + "," + withoutProof

	c.saltedPassword = saltPassword([]byte(c.password), c.salt, c.iterations)
	clientKey := hmacSHA256(c.saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], []byte(c.authMessage))

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// verifyServerFinal checks the server's signature over the shared
// transcript in constant time.
func (c *conversation) verifyServerFinal(raw string) error {
	attrs, err := parseScramAttrs(raw)
	if err != nil {
		return err
	}
	if reason, rejected := attrs["e"]; rejected {
		return fmt.Errorf("auth: server rejected credentials: %s", reason)
	}
	signatureB64, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("auth: server-final message is missing signature")
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("auth: server signature is not valid base64: %w", err)
	}

	serverKey := hmacSHA256(c.saltedPassword, []byte("Server Key"))
	expected := hmacSHA256(serverKey, []byte(c.authMessage))
	if !hmac.Equal(signature, expected) {
		return errServerSignatureMismatch
	}
	return nil
}

// saltPassword iterates HMAC-SHA-256 over the password and salt per the
// PBKDF2 schedule the protocol requires.
func saltPassword(password []byte, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, sha256.Size, sha256.New)
}

func hmacSHA256(key []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// saslName escapes the characters SCRAM reserves inside attribute values.
func saslName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

func parseScramAttrs(message string) (map[string]string, error) {
	attrs := map[string]string{}
	for _, part := range strings.Split(message, ",") {
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found || len(key) != 1 {
			return nil, fmt.Errorf("auth: malformed attribute %q in SCRAM message", part)
		}
		attrs[key] = value
	}
	return attrs, nil
}

func encodeB64URL(data string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(data))
}

func decodeB64URL(data string) (string, error) {
	if padding := len(data) % 4; padding != 0 {
		data += strings.Repeat("=", 4-padding)
	}
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
