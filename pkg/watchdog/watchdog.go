// Package watchdog is the narrow facade over the external
// authenticated-watchdog peripheral, whose driver lives outside this
// core: this core only ever calls Init exactly once, near the end of
// boot, and never again -- once armed, the watchdog cannot be stopped
// from software. The single-method interface is kept separate from the
// decision engine so a test can substitute a fake without touching real
// hardware.
package watchdog

import "errors"

// DefaultTimeoutSeconds is the deferral window armed when no
// DEFERRAL_TICKET is present in staging.
const DefaultTimeoutSeconds = 120

// Armer arms the watchdog with a deferral window, once. It is the sole
// external interface this core calls against the watchdog peripheral.
type Armer interface {
	Init(deferralSeconds int) error
}

var ErrAlreadyArmed = errors.New("watchdog: already armed")

// Recorder is a fake Armer for tests and the demo harness: it records
// the deferral it was armed with and refuses a second Init call, since
// the real peripheral cannot be re-armed either.
type Recorder struct {
	armed    bool
	deferral int
}

var _ Armer = &Recorder{}

// Init arms the watchdog with deferralSeconds. Calling it twice is a
// programming error: the real peripheral would simply ignore the
// second call once armed, so this returns ErrAlreadyArmed instead of
// silently doing nothing.
func (r *Recorder) Init(deferralSeconds int) error {
	if r.armed {
		return ErrAlreadyArmed
	}
	r.armed = true
	r.deferral = deferralSeconds
	return nil
}

// Armed reports whether Init has been called.
func (r *Recorder) Armed() bool { return r.armed }

// DeferralSeconds returns the deferral window Init was called with, or
// zero if not yet armed.
func (r *Recorder) DeferralSeconds() int { return r.deferral }
