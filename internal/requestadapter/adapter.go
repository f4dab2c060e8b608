// Package requestadapter specifies the collaborator-facing contract
// between this system and an external HTTP request engine (the
// retry/backoff library that actually drives outbound requests). That
// engine is an external collaborator; this package only classifies the
// errors it will see and exposes the hooks the Coordinator and Client
// need it to call back into.
package requestadapter

import (
	"strings"
	"time"
)

// Band classifies an outbound-request failure into one of three bands.
type Band int

const (
	// BandUnclassified is returned for errors that don't match any of
	// the known substrings; the external retry library's own default
	// policy applies.
	BandUnclassified Band = iota
	BandTransientProxy
	BandSuspiciousTLS
	BandOnionTTLExpired
)

// Known error substrings, matched exactly.
var (
	transientProxyMessages = []string{
		"socket hang up",
		"SOCKS connection failed. Host unreachable.",
		"SOCKS connection failed. Connection not allowed by ruleset",
		"SSL23_GET_SERVER_HELLO",
		"SSL3_GET_RECORD:wrong version number",
		"SOCKS connection failed. General SOCKS server failure.",
	}

	suspiciousTLSMessages = []string{
		"unable to verify the first certificate",
		"self signed certificate",
		"self signed certificate in certificate chain",
		"Hostname/IP does not match certificate's altnames",
		"SSL3_GET_RECORD:decryption failed or bad record mac",
		"unable to get local issuer certificate",
	}

	onionTTLExpiredMessage = "SOCKS connection failed. TTL expired."

	hostUnreachableMessage = "SOCKS connection failed. Host unreachable."
)

// Classify maps an error's message to a Band.
func Classify(err error) Band {
	if err == nil {
		return BandUnclassified
	}
	msg := err.Error()
	for _, m := range transientProxyMessages {
		if strings.Contains(msg, m) {
			return BandTransientProxy
		}
	}
	for _, m := range suspiciousTLSMessages {
		if strings.Contains(msg, m) {
			return BandSuspiciousTLS
		}
	}
	if strings.Contains(msg, onionTTLExpiredMessage) {
		return BandOnionTTLExpired
	}
	return BandUnclassified
}

// IsHostUnreachable reports the special-cased transient message that
// gets a shorter backoff and a partial retry-counter rewind.
func IsHostUnreachable(err error) bool {
	return err != nil && strings.Contains(err.Error(), hostUnreachableMessage)
}

// Outcome tells the external retry library what to do next. It never
// retries on the adapter's behalf — that remains the retry library's
// job — it only recommends a backoff and whether to force an IP change
// first.
type Outcome struct {
	Backoff           time.Duration
	ForceIPChange      bool
	RewindAttemptsBy   float64 // multiplicative rewind of the attempt counter, 1.0 = no rewind
	TriggerDaemonRestart bool
}

// Decide computes the retry outcome for a non-polling client. attempt
// is the 1-based attempt count for this request so far. onionRouted
// indicates whether the failing circuit is onion-routed.
func Decide(err error, attempt int, onionRouted bool) Outcome {
	band := Classify(err)

	switch band {
	case BandTransientProxy:
		if IsHostUnreachable(err) && attempt < 5 {
			return Outcome{
				Backoff:          500 * time.Millisecond,
				ForceIPChange:    true,
				RewindAttemptsBy: 0.9,
			}
		}
		if attempt > 5 {
			return Outcome{Backoff: 180 * time.Second, ForceIPChange: true, RewindAttemptsBy: 1.0}
		}
		return Outcome{Backoff: 60 * time.Second, RewindAttemptsBy: 1.0}

	case BandSuspiciousTLS:
		return Outcome{ForceIPChange: true, RewindAttemptsBy: 1.0}

	case BandOnionTTLExpired:
		if onionRouted && attempt > 3 {
			return Outcome{TriggerDaemonRestart: true, RewindAttemptsBy: 1.0}
		}
		return Outcome{RewindAttemptsBy: 1.0}

	default:
		return Outcome{RewindAttemptsBy: 1.0}
	}
}

// PollingOutcome holds a polling client's retry bookkeeping: polling
// clients degrade their circuit's health after >3 failed attempts and
// cap attempts at 4, waiting 1s between attempts.
type PollingOutcome struct {
	DegradeHealth bool
	CappedAttempt int
	Wait          time.Duration
}

const (
	pollingHealthDegradeThreshold = 3
	// PollingMaxAttempts bounds how many times a polling client retries a
	// single tick's probe before giving up, so an indefinitely failing
	// poll target can't spin the retry library forever.
	PollingMaxAttempts = 4
	pollingRetryWait   = 1 * time.Second
)

// DecidePolling computes the polling client's retry bookkeeping for
// attempt (1-based).
func DecidePolling(attempt int) PollingOutcome {
	capped := attempt
	if capped > PollingMaxAttempts {
		capped = PollingMaxAttempts
	}
	return PollingOutcome{
		DegradeHealth: attempt > pollingHealthDegradeThreshold,
		CappedAttempt: capped,
		Wait:          pollingRetryWait,
	}
}
