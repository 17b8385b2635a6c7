package ipc

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ratman-router/ratman/pkg/rid"
	"github.com/ratman-router/ratman/pkg/wire"
)

// authTable issues and verifies ClientAuth bearer tokens (spec §4.7
// "subsequent requests carry ClientAuth"). Tokens are process-local: they
// live in this map only and are lost when the router restarts. Only
// addr.create issues one, keyed by the creating connection's client id; it
// is not tied to that connection, so it stays valid after the client
// disconnects, and a later addr.create on the same connection replaces it.
//
// Each issued token is sealed as an AEAD ciphertext keyed by
// blake2b-256(token || client_id) (DESIGN.md open question #3); verifying a
// presented ClientAuth means re-deriving that key and checking the sealed
// blob opens, rather than comparing tokens by value, so a leaked sealed
// blob alone (without the client's copy of the token) cannot be replayed.
type authTable struct {
	mu     sync.Mutex
	sealed map[rid.Ident32][]byte // client_id -> nonce || ciphertext

	set           *metrics.Set
	failuresTotal *metrics.Counter
}

func newAuthTable() *authTable {
	s := metrics.NewSet()
	return &authTable{
		sealed:        make(map[rid.Ident32][]byte),
		set:           s,
		failuresTotal: s.NewCounter(`ratman_ipc_auth_failures_total`),
	}
}

func authKey(token, clientID rid.Ident32) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(token[:])
	h.Write(clientID[:])
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// issue mints a fresh ClientAuth for clientID, sealing a marker blob under
// the token-derived key so later calls can verify presented tokens without
// keeping the plaintext token around server-side.
func (a *authTable) issue(clientID rid.Ident32) (wire.ClientAuth, error) {
	token := rid.Random()
	key := authKey(token, clientID)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return wire.ClientAuth{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return wire.ClientAuth{}, err
	}
	sealed := aead.Seal(nonce, nonce, clientID[:], nil)

	a.mu.Lock()
	a.sealed[clientID] = sealed
	a.mu.Unlock()

	return wire.ClientAuth{ClientID: clientID, Token: token}, nil
}

// verify reports whether auth is a currently-issued, un-revoked ClientAuth.
func (a *authTable) verify(auth *wire.ClientAuth) bool {
	if auth == nil {
		a.failuresTotal.Inc()
		return false
	}
	a.mu.Lock()
	sealed, ok := a.sealed[auth.ClientID]
	a.mu.Unlock()
	if !ok || len(sealed) < chacha20poly1305.NonceSize {
		a.failuresTotal.Inc()
		return false
	}

	key := authKey(auth.Token, auth.ClientID)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		a.failuresTotal.Inc()
		return false
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		a.failuresTotal.Inc()
		return false
	}
	if subtle.ConstantTimeCompare(plain, auth.ClientID[:]) != 1 {
		a.failuresTotal.Inc()
		return false
	}
	return true
}

// revoke invalidates clientID's token. No handler calls it: addr.delete
// leaves the owning client's token valid.
func (a *authTable) revoke(clientID rid.Ident32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sealed, clientID)
}
