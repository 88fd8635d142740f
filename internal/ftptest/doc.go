// Package ftptest is a minimal FTP client used only to drive this module's
// FTP server from integration tests. It is not part of the administration
// or FTP server surface described by the specification: the admin GUI
// client and any end-user FTP client are external collaborators out of
// scope for this repository. Kept as a test fixture so the server's
// existing test suite (data connections, TLS upgrade, MLSD/MLST, rename,
// hashing, ...) continues to exercise the server package end-to-end.
package ftp
