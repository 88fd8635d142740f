package admin

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coreftp/ftpd/internal/acme"
)

// acmeAccountMeta is the small JSON sidecar persisted alongside an ACME
// account's key via internal/certstore, so a restarted process recognizes
// an account it already registered instead of minting a new one.
type acmeAccountMeta struct {
	KID string `json:"kid"`
}

// acmeAccountID derives a stable, filesystem-safe identifier from a
// directory URL so repeated ACMEGetAccount calls against the same ACME
// endpoint reuse the same persisted key.
func acmeAccountID(directoryURI string) string {
	sum := sha256.Sum256([]byte(directoryURI))
	return hex.EncodeToString(sum[:])
}

func (a *Administrator) cachedACMEAccount(id string) *acme.Account {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acmeAccounts[id]
}

func (a *Administrator) storeACMEAccount(id string, acct *acme.Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.acmeAccounts == nil {
		a.acmeAccounts = make(map[string]*acme.Account)
	}
	a.acmeAccounts[id] = acct
}

// handleACMEGetDirectory implements the catalog's ACMEGetDirectory command
// against internal/acme.Client.FetchDirectory (spec §4.3 step 1).
func (a *Administrator) handleACMEGetDirectory(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req ACMEGetDirectory
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return ACMEGetDirectoryResponse{Result: ResultEBADMSG}, nil
	}
	if a.ACME == nil {
		return ACMEGetDirectoryResponse{Result: ResultOther}, nil
	}
	dir, err := a.ACME.FetchDirectory(context.Background())
	if err != nil {
		return ACMEGetDirectoryResponse{Result: ResultOther}, nil
	}
	raw, err := json.Marshal(dir)
	if err != nil {
		return ACMEGetDirectoryResponse{Result: ResultOther}, nil
	}
	return ACMEGetDirectoryResponse{Result: ResultOK, JSON: string(raw)}, nil
}

// handleACMEGetAccount implements ACMEGetAccount: it reuses a previously
// registered account persisted via internal/certstore when one exists for
// this directory, and otherwise registers a fresh one through
// internal/acme.Client.NewAccount (spec §4.3 step "account registration").
func (a *Administrator) handleACMEGetAccount(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req ACMEGetAccount
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return ACMEGetAccountResponse{Result: ResultEBADMSG}, nil
	}
	if a.ACME == nil {
		return ACMEGetAccountResponse{Result: ResultOther}, nil
	}
	ctx := context.Background()
	if _, err := a.ACME.FetchDirectory(ctx); err != nil {
		return ACMEGetAccountResponse{Result: ResultOther}, nil
	}

	id := acmeAccountID(req.DirectoryURI)
	if acct := a.cachedACMEAccount(id); acct != nil {
		return ACMEGetAccountResponse{Result: ResultOK, KID: acct.KID}, nil
	}

	if a.Certs != nil {
		if keyPEM, metaJSON, err := a.Certs.GetACMEAccount(id); err == nil {
			var meta acmeAccountMeta
			if key, kerr := acme.ParseAccountKey(keyPEM); kerr == nil && json.Unmarshal(metaJSON, &meta) == nil {
				acct := &acme.Account{KID: meta.KID, Key: key, Contacts: req.Contacts}
				a.storeACMEAccount(id, acct)
				return ACMEGetAccountResponse{Result: ResultOK, KID: acct.KID}, nil
			}
		}
	}

	key, err := acme.GenerateAccountKey()
	if err != nil {
		return ACMEGetAccountResponse{Result: ResultOther}, nil
	}
	acct, err := a.ACME.NewAccount(ctx, key, req.Contacts)
	if err != nil {
		return ACMEGetAccountResponse{Result: ResultOther}, nil
	}
	a.storeACMEAccount(id, acct)

	if a.Certs != nil {
		if keyPEM, merr := acme.MarshalAccountKey(key); merr == nil {
			metaJSON, _ := json.Marshal(acmeAccountMeta{KID: acct.KID})
			_ = a.Certs.PutACMEAccount(id, keyPEM, metaJSON)
		}
	}
	return ACMEGetAccountResponse{Result: ResultOK, KID: acct.KID, NewlyCreated: true}, nil
}

// handleACMEGetCertificate drives the remainder of the ACME state machine
// end to end for the requested hosts: order creation, authorization
// walking, challenge response, finalization, and certificate download
// (spec §4.3), persisting the issued chain via internal/certstore.
func (a *Administrator) handleACMEGetCertificate(_ *Session, _ MessageKind, payload []byte) (interface{}, error) {
	var req ACMEGetCertificate
	if err := (Frame{Payload: payload}).Decode(&req); err != nil {
		return ACMEGetCertificateResponse{Result: ResultEBADMSG}, nil
	}
	if a.ACME == nil {
		return ACMEGetCertificateResponse{Result: ResultOther}, nil
	}

	ctx := context.Background()
	id := acmeAccountID(req.DirectoryURI)
	acct := a.cachedACMEAccount(id)
	if acct == nil {
		return ACMEGetCertificateResponse{
			Result: ResultOther,
			Error:  "no account registered for this directory; call ACMEGetAccount first",
		}, nil
	}
	if _, err := a.ACME.FetchDirectory(ctx); err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}

	order, err := a.ACME.NewOrder(ctx, acct, req.Hosts)
	if err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}

	for _, authzURL := range order.Authorizations {
		az, err := a.ACME.GetAuthorization(ctx, acct, authzURL)
		if err != nil {
			return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
		}
		if az.Status == acme.StatusValid {
			continue
		}
		if len(az.Challenges) == 0 {
			return ACMEGetCertificateResponse{Result: ResultOther, Error: "authorization carries no challenges"}, nil
		}
		if err := a.ACME.RespondChallenge(ctx, acct, az.Identifier.Value, az.Challenges[0]); err != nil {
			return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
		}
		if _, err := a.ACME.PollAuthorization(ctx, acct, authzURL, time.Second, 10); err != nil {
			return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
		}
	}

	certKey, err := acme.GenerateAccountKey()
	if err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}
	csrDER, err := buildCSR(certKey, req.Hosts)
	if err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}
	order, err = a.ACME.Finalize(ctx, acct, order, csrDER)
	if err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}
	chainPEM, err := a.ACME.DownloadCertificate(ctx, acct, order)
	if err != nil {
		return ACMEGetCertificateResponse{Result: ResultOther, Error: err.Error()}, nil
	}

	if a.Certs != nil {
		if keyPEM, merr := acme.MarshalAccountKey(certKey); merr == nil {
			_, _ = a.Certs.Put(chainPEM, keyPEM)
		}
	}

	return ACMEGetCertificateResponse{Result: ResultOK, CertChainPEM: string(chainPEM)}, nil
}

// buildCSR produces a DER-encoded PKCS#10 request for hosts, signed by
// key, for internal/acme.Client.Finalize.
func buildCSR(key *ecdsa.PrivateKey, hosts []string) ([]byte, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("acme: at least one host required")
	}
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hosts[0]},
		DNSNames: hosts,
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}
