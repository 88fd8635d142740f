package server

import "net"

func (s *session) handleUSER(user string) error {
	s.user = user
	s.reply(331, "User name okay, need password.")
	return nil
}

func (s *session) handlePASS(pass string) error {
	ip := net.ParseIP(s.remoteIP)
	if s.server.banner != nil && ip != nil && s.server.banner.IsBanned(ip) {
		s.server.logger.Warn("authentication_rejected",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"reason", "ip_banned",
		)
		s.reply(530, "Login incorrect.")
		return nil
	}

	// loginAuth, when wired (cmd/ftpd/main.go pairs it with the driver's
	// auth.FSRootResolver), gates the attempt against the spec's
	// user/group database and progressive-delay throttle before the
	// driver ever runs. A credential rejected here never reaches
	// driver.Authenticate.
	if s.server.loginAuth != nil {
		if _, err := s.server.loginAuth.Authenticate(ip, s.user, pass, s.host); err != nil {
			s.server.logger.Warn("authentication_failed",
				"session_id", s.sessionID,
				"remote_ip", s.remoteIP,
				"user", s.user,
				"reason", err.Error(),
			)
			if s.server.metricsCollector != nil {
				s.server.metricsCollector.RecordAuthentication(false, s.user)
			}
			if s.server.banner != nil && ip != nil {
				s.server.banner.SetFailedLogin(ip)
			}
			s.reply(530, "Login incorrect.")
			return nil
		}
	}

	ctx, err := s.server.driver.Authenticate(s.user, pass, s.host)
	if err != nil {
		// Security audit: failed authentication
		s.server.logger.Warn("authentication_failed",
			"session_id", s.sessionID,
			"remote_ip", s.remoteIP,
			"user", s.user,
			"reason", err.Error(),
		)
		// Metrics collection
		if s.server.metricsCollector != nil {
			s.server.metricsCollector.RecordAuthentication(false, s.user)
		}
		if s.server.banner != nil && ip != nil {
			s.server.banner.SetFailedLogin(ip)
		}
		s.reply(530, "Login incorrect.")
		return nil
	}
	s.fs = ctx
	s.isLoggedIn = true
	if s.loginTimer != nil {
		s.loginTimer.Stop()
	}
	// Security audit: successful authentication
	s.server.logger.Info("authentication_success",
		"session_id", s.sessionID,
		"remote_ip", s.remoteIP,
		"user", s.user,
	)
	// Metrics collection
	if s.server.metricsCollector != nil {
		s.server.metricsCollector.RecordAuthentication(true, s.user)
	}
	if s.server.notifier != nil {
		s.server.notifier.UserName(s.numericID, s.user)
	}
	s.reply(230, "User logged in, proceed.")
	return nil
}
