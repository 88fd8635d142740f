// Package acme implements the ACME v2 client state machine described by
// spec §4.3: directory discovery, nonce management, account registration,
// order creation, authorization/challenge walking, finalization, and
// certificate download, with clock-skew tolerant nonce handling and
// badNonce retry.
//
// JWS signing and the underlying key types are stdlib (crypto/rsa,
// crypto/ecdsa, encoding/json): the spec scopes ACME's cryptographic
// primitives as a thin, spec-mandated implementation detail of this state
// machine rather than a pluggable concern, so there is no third-party
// library to wire here without bypassing the hand-rolled protocol walk
// the spec requires (see DESIGN.md).
package acme

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreftp/ftpd/internal/telemetry"
)

// Status values used across orders, authorizations, and challenges.
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusReady       = "ready"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

// ErrUnexpectedStatus is returned by Finalize when the order is in a
// status other than pending, ready, processing, or valid: per the
// resolved open question (SPEC_FULL.md §5), this is a hard failure, not a
// silent retry.
var ErrUnexpectedStatus = errors.New("acme: unexpected order status")

// Directory mirrors RFC 8555 §7.1.1.
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert"`
	KeyChange  string `json:"keyChange"`
}

// Account is a registered ACME account.
type Account struct {
	KID      string
	Key      *ecdsa.PrivateKey
	Contacts []string
}

// Identifier is an authorization target (RFC 8555 §7.1.4).
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order is a certificate order in progress.
type Order struct {
	URL            string       `json:"-"`
	Status         string       `json:"status"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate"`
}

// Challenge is one authorization's proof-of-control option.
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

// Authorization binds an identifier to the set of challenges the server
// will accept (RFC 8555 §7.1.4).
type Authorization struct {
	URL        string      `json:"-"`
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Challenges []Challenge `json:"challenges"`
}

// Challenger proves control of an identifier for a given challenge type
// (e.g. http-01, dns-01). The spec distinguishes internal challengers
// (the FTP server answers inline) from external ones (shelled out to an
// operator-supplied hook); both satisfy this interface.
type Challenger interface {
	// Prepare makes the key authorization available however the challenge
	// type requires (serve a file, publish a DNS record, ...).
	Prepare(ctx context.Context, domain, token, keyAuthorization string) error
	// CleanUp removes whatever Prepare published.
	CleanUp(ctx context.Context, domain, token string)
	// Type is the ACME challenge type this Challenger answers (e.g.
	// "http-01").
	Type() string
}

// Client drives the ACME v2 protocol against one directory.
type Client struct {
	DirectoryURL string
	HTTPClient   *http.Client
	Log          *telemetry.Logger

	mu        sync.Mutex
	dir       *Directory
	nonce     string
	challengers map[string]Challenger
}

// NewClient builds a Client for the given directory URL.
func NewClient(directoryURL string, log *telemetry.Logger) *Client {
	if log == nil {
		log = telemetry.Fallback()
	}
	return &Client{
		DirectoryURL: directoryURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		Log:          log.With("component", "acme"),
		challengers:  map[string]Challenger{},
	}
}

// RegisterChallenger installs a Challenger for a given ACME challenge
// type (spec §4.3: "internal and external challengers").
func (c *Client) RegisterChallenger(ch Challenger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.challengers[ch.Type()] = ch
}

// FetchDirectory performs step 1 of the state machine (spec §4.3).
func (c *Client) FetchDirectory(ctx context.Context) (*Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DirectoryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acme: directory fetch: status %d", resp.StatusCode)
	}
	var dir Directory
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("acme: decoding directory: %w", err)
	}
	c.mu.Lock()
	c.dir = &dir
	c.mu.Unlock()
	return &dir, nil
}

// refreshNonce performs step 2: fetch a fresh anti-replay nonce (spec
// §4.3). Clock-skew guard: nonces are treated as opaque and simply
// replaced on every use or badNonce error, never compared against local
// time, so a skewed system clock cannot desynchronize this step.
func (c *Client) refreshNonce(ctx context.Context) error {
	c.mu.Lock()
	dir := c.dir
	c.mu.Unlock()
	if dir == nil {
		return fmt.Errorf("acme: directory not fetched")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dir.NewNonce, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n := resp.Header.Get("Replay-Nonce")
	if n == "" {
		return fmt.Errorf("acme: no Replay-Nonce header")
	}
	c.mu.Lock()
	c.nonce = n
	c.mu.Unlock()
	return nil
}

func (c *Client) takeNonce(ctx context.Context) (string, error) {
	c.mu.Lock()
	n := c.nonce
	c.nonce = ""
	c.mu.Unlock()
	if n != "" {
		return n, nil
	}
	if err := c.refreshNonce(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	n = c.nonce
	c.nonce = ""
	c.mu.Unlock()
	return n, nil
}

// jwk is the flattened JSON Web Key used in the protected JWS header for
// newAccount requests (RFC 7638).
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func publicJWK(key *ecdsa.PrivateKey) jwk {
	return jwk{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(key.PublicKey.X.Bytes()),
		Y:   base64.RawURLEncoding.EncodeToString(key.PublicKey.Y.Bytes()),
	}
}

type jwsProtected struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce"`
	URL   string `json:"url"`
	JWK   *jwk   `json:"jwk,omitempty"`
	KID   string `json:"kid,omitempty"`
}

type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// sign produces a flattened JWS per RFC 7515 §3.3 / RFC 8555 §6.2, signed
// with ES256.
func sign(key *ecdsa.PrivateKey, kid string, useJWK bool, url, nonce string, payload []byte) ([]byte, error) {
	prot := jwsProtected{Alg: "ES256", Nonce: nonce, URL: url}
	if useJWK {
		j := publicJWK(key)
		prot.JWK = &j
	} else {
		prot.KID = kid
	}
	protJSON, err := json.Marshal(prot)
	if err != nil {
		return nil, err
	}
	protB64 := base64.RawURLEncoding.EncodeToString(protJSON)
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)

	signingInput := protB64 + "." + payloadB64
	hash := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)

	env := jwsEnvelope{
		Protected: protB64,
		Payload:   payloadB64,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}
	return json.Marshal(env)
}

// acmeError mirrors RFC 8555 §6.7's problem-document shape, including the
// "type":"urn:ietf:params:acme:error:badNonce" value this client checks
// for retry.
type acmeError struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

const badNonceType = "urn:ietf:params:acme:error:badNonce"

// post signs and POSTs payload to url as a JWS, retrying exactly once on
// badNonce (spec §4.3: "badNonce triggers one retry with a fresh nonce").
func (c *Client) post(ctx context.Context, key *ecdsa.PrivateKey, kid string, useJWK bool, url string, payload []byte, out interface{}) (*http.Response, error) {
	for attempt := 0; attempt < 2; attempt++ {
		nonce, err := c.takeNonce(ctx)
		if err != nil {
			return nil, err
		}
		body, err := sign(key, kid, useJWK, url, nonce, payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/jose+json")
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, err
		}
		if n := resp.Header.Get("Replay-Nonce"); n != "" {
			c.mu.Lock()
			c.nonce = n
			c.mu.Unlock()
		}

		if resp.StatusCode >= 400 {
			var ae acmeError
			respBody := new(bytes.Buffer)
			respBody.ReadFrom(resp.Body)
			resp.Body.Close()
			_ = json.Unmarshal(respBody.Bytes(), &ae)
			if ae.Type == badNonceType && attempt == 0 {
				continue
			}
			return resp, fmt.Errorf("acme: %s: %s", ae.Type, ae.Detail)
		}

		if out != nil {
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp, fmt.Errorf("acme: decoding response: %w", err)
			}
		}
		return resp, nil
	}
	return nil, fmt.Errorf("acme: exhausted badNonce retries")
}

// NewAccount registers (or, idempotently per RFC 8555, retrieves) an
// account (spec §4.3 step "account registration").
func (c *Client) NewAccount(ctx context.Context, key *ecdsa.PrivateKey, contacts []string) (*Account, error) {
	c.mu.Lock()
	dir := c.dir
	c.mu.Unlock()
	if dir == nil {
		return nil, fmt.Errorf("acme: directory not fetched")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"termsOfServiceAgreed": true,
		"contact":              contacts,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, key, "", true, dir.NewAccount, payload, nil)
	if err != nil {
		return nil, err
	}
	kid := resp.Header.Get("Location")
	return &Account{KID: kid, Key: key, Contacts: contacts}, nil
}

// NewOrder creates a certificate order for the given identifiers (spec
// §4.3 step "order creation").
func (c *Client) NewOrder(ctx context.Context, acct *Account, domains []string) (*Order, error) {
	c.mu.Lock()
	dir := c.dir
	c.mu.Unlock()
	if dir == nil {
		return nil, fmt.Errorf("acme: directory not fetched")
	}
	idents := make([]Identifier, len(domains))
	for i, d := range domains {
		idents[i] = Identifier{Type: "dns", Value: d}
	}
	payload, err := json.Marshal(map[string]interface{}{"identifiers": idents})
	if err != nil {
		return nil, err
	}
	var order Order
	resp, err := c.post(ctx, acct.Key, acct.KID, false, dir.NewOrder, payload, &order)
	if err != nil {
		return nil, err
	}
	order.URL = resp.Header.Get("Location")
	return &order, nil
}

// GetAuthorization fetches one authorization (spec §4.3 step
// "authorization/challenge walking"). Authorizations are addressed by
// their URL (an opaque identifier), never by array index into
// Order.Authorizations -- resolving the flagged open question by binding
// state to identity rather than position (SPEC_FULL.md §5).
func (c *Client) GetAuthorization(ctx context.Context, acct *Account, authzURL string) (*Authorization, error) {
	resp, err := c.post(ctx, acct.Key, acct.KID, false, authzURL, []byte(""), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var az Authorization
	if err := json.NewDecoder(resp.Body).Decode(&az); err != nil {
		return nil, fmt.Errorf("acme: decoding authorization: %w", err)
	}
	az.URL = authzURL
	return &az, nil
}

// keyAuthorization computes the key authorization value for a challenge
// token (RFC 8555 §8.1).
func keyAuthorization(acct *Account, token string) string {
	j := publicJWK(acct.Key)
	jwkJSON, _ := json.Marshal(j)
	thumb := sha256.Sum256(jwkJSON)
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb[:])
}

// RespondChallenge picks the Challenger registered for ch.Type, prepares
// the proof, and tells the server to validate it (spec §4.3 step
// "challenge response").
func (c *Client) RespondChallenge(ctx context.Context, acct *Account, domain string, ch Challenge) error {
	c.mu.Lock()
	challenger, ok := c.challengers[ch.Type]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("acme: no challenger registered for type %q", ch.Type)
	}
	keyAuth := keyAuthorization(acct, ch.Token)
	if err := challenger.Prepare(ctx, domain, ch.Token, keyAuth); err != nil {
		return fmt.Errorf("acme: preparing challenge: %w", err)
	}
	defer challenger.CleanUp(ctx, domain, ch.Token)

	_, err := c.post(ctx, acct.Key, acct.KID, false, ch.URL, []byte("{}"), nil)
	return err
}

// PollAuthorization polls an authorization until it leaves pending, up to
// a bounded number of attempts (spec §4.3 step "wait for validation").
func (c *Client) PollAuthorization(ctx context.Context, acct *Account, authzURL string, interval time.Duration, maxAttempts int) (*Authorization, error) {
	for i := 0; i < maxAttempts; i++ {
		az, err := c.GetAuthorization(ctx, acct, authzURL)
		if err != nil {
			return nil, err
		}
		if az.Status != StatusPending {
			return az, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("acme: authorization %s did not leave pending in time", authzURL)
}

// Finalize submits the CSR for a ready order (spec §4.3 step
// "finalization"). Per the resolved open question, any status other than
// pending/ready/processing/valid is treated as a hard failure rather than
// retried (SPEC_FULL.md §5).
func (c *Client) Finalize(ctx context.Context, acct *Account, order *Order, csrDER []byte) (*Order, error) {
	switch order.Status {
	case StatusPending, StatusReady, StatusProcessing, StatusValid:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, order.Status)
	}
	payload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	if err != nil {
		return nil, err
	}
	var updated Order
	if _, err := c.post(ctx, acct.Key, acct.KID, false, order.Finalize, payload, &updated); err != nil {
		return nil, err
	}
	updated.URL = order.URL
	return &updated, nil
}

// DownloadCertificate fetches the issued certificate chain (spec §4.3
// step "certificate download").
func (c *Client) DownloadCertificate(ctx context.Context, acct *Account, order *Order) ([]byte, error) {
	resp, err := c.post(ctx, acct.Key, acct.KID, false, order.Certificate, []byte(""), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateAccountKey creates a fresh P-256 ECDSA key for a new ACME
// account.
func GenerateAccountKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// MarshalAccountKey encodes a private key as PEM for persistence via
// internal/certstore.
func MarshalAccountKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// ParseAccountKey decodes a PEM-encoded private key previously persisted
// via MarshalAccountKey.
func ParseAccountKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("acme: no PEM block in account key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

var _ crypto.Signer = (*ecdsa.PrivateKey)(nil)
