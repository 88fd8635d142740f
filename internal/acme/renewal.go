package acme

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coreftp/ftpd/internal/certstore"
	"github.com/coreftp/ftpd/internal/telemetry"
)

// RenewalCheck is invoked once per scheduled tick for every managed
// certificate and performs the directory->order->...->download walk again
// if the certificate is within its renewal window.
type RenewalCheck func(ctx context.Context, sha256Hex string) error

// Scheduler periodically checks managed certificates for renewal using
// github.com/robfig/cron/v3, the same scheduling library the retrieval
// pack's sync daemon uses for its own debounce/periodic jobs.
type Scheduler struct {
	cron  *cron.Cron
	store *certstore.Store
	log   *telemetry.Logger
	check RenewalCheck

	// RenewBefore is how long before expiry a certificate becomes
	// eligible for renewal.
	RenewBefore time.Duration
}

// NewScheduler builds a Scheduler that runs its check against every
// certificate in store on the given cron spec (e.g. "0 0 * * *" daily).
func NewScheduler(store *certstore.Store, log *telemetry.Logger, check RenewalCheck) *Scheduler {
	if log == nil {
		log = telemetry.Fallback()
	}
	return &Scheduler{
		cron:        cron.New(),
		store:       store,
		log:         log.With("component", "acme-renewal"),
		check:       check,
		RenewBefore: 30 * 24 * time.Hour,
	}
}

// Start schedules the renewal sweep on spec and begins running it.
func (s *Scheduler) Start(spec string, shas []string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.sweep(context.Background(), shas)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) sweep(ctx context.Context, shas []string) {
	for _, sha := range shas {
		info, err := s.store.Info(sha)
		if err != nil {
			s.log.Warn("renewal: reading certificate info failed", "sha256", sha, "error", err)
			continue
		}
		if time.Until(info.NotAfter) > s.RenewBefore {
			continue
		}
		s.log.Info("renewal: certificate due for renewal", "sha256", sha, "not_after", info.NotAfter)
		if err := s.check(ctx, sha); err != nil {
			s.log.Error("renewal: renewal attempt failed", "sha256", sha, "error", err)
		}
	}
}

// certExpiry parses NotAfter from a DER certificate without requiring the
// caller to import crypto/x509 directly.
func certExpiry(der []byte) (time.Time, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}
