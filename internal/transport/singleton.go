package transport

import "sync"

var (
	defaultMu      sync.Mutex
	defaultSession *Session
)

// Init creates the process-wide session. Later calls return the existing
// session and ignore opts until Teardown.
func Init(opts Options) *Session {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSession == nil {
		defaultSession = New(opts)
	}
	return defaultSession
}

// Default returns the process-wide session, if Init has been called.
func Default() (*Session, bool) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSession, defaultSession != nil
}

// Teardown disconnects and forgets the process-wide session. Call it when
// the credential is revoked so the next Init starts clean.
func Teardown() error {
	defaultMu.Lock()
	s := defaultSession
	defaultSession = nil
	defaultMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Disconnect()
}
