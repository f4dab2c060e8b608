package requestadapter

import (
	"errors"
	"testing"
)

func TestClassifyNilError(t *testing.T) {
	if got := Classify(nil); got != BandUnclassified {
		t.Errorf("Classify(nil) = %v, want BandUnclassified", got)
	}
}

func TestClassifyTransientProxy(t *testing.T) {
	err := errors.New("SOCKS connection failed. Host unreachable.")
	if got := Classify(err); got != BandTransientProxy {
		t.Errorf("Classify() = %v, want BandTransientProxy", got)
	}
}

func TestClassifySuspiciousTLS(t *testing.T) {
	err := errors.New("x509: self signed certificate in certificate chain")
	if got := Classify(err); got != BandSuspiciousTLS {
		t.Errorf("Classify() = %v, want BandSuspiciousTLS", got)
	}
}

func TestClassifyOnionTTLExpired(t *testing.T) {
	err := errors.New("SOCKS connection failed. TTL expired.")
	if got := Classify(err); got != BandOnionTTLExpired {
		t.Errorf("Classify() = %v, want BandOnionTTLExpired", got)
	}
}

func TestClassifyUnknownMessage(t *testing.T) {
	err := errors.New("completely unrelated failure")
	if got := Classify(err); got != BandUnclassified {
		t.Errorf("Classify() = %v, want BandUnclassified", got)
	}
}

func TestIsHostUnreachable(t *testing.T) {
	if !IsHostUnreachable(errors.New("SOCKS connection failed. Host unreachable.")) {
		t.Error("expected the exact host-unreachable message to match")
	}
	if IsHostUnreachable(errors.New("some other error")) {
		t.Error("expected an unrelated message not to match")
	}
	if IsHostUnreachable(nil) {
		t.Error("expected nil not to match")
	}
}

func TestDecideHostUnreachableEarlyAttemptGetsShortBackoffAndRewind(t *testing.T) {
	err := errors.New("SOCKS connection failed. Host unreachable.")
	outcome := Decide(err, 2, false)

	if !outcome.ForceIPChange {
		t.Error("expected ForceIPChange for host-unreachable on an early attempt")
	}
	if outcome.RewindAttemptsBy != 0.9 {
		t.Errorf("RewindAttemptsBy = %v, want 0.9", outcome.RewindAttemptsBy)
	}
}

func TestDecideTransientProxyLateAttemptEscalatesBackoff(t *testing.T) {
	err := errors.New("socket hang up")
	outcome := Decide(err, 6, false)

	if outcome.Backoff != 180_000_000_000 { // 180s in ns, avoids importing time just for this literal
		t.Errorf("Backoff = %v, want 180s", outcome.Backoff)
	}
	if !outcome.ForceIPChange {
		t.Error("expected ForceIPChange once attempts exceed 5")
	}
}

func TestDecideSuspiciousTLSAlwaysForcesIPChange(t *testing.T) {
	err := errors.New("unable to verify the first certificate")
	outcome := Decide(err, 1, false)
	if !outcome.ForceIPChange {
		t.Error("expected ForceIPChange for suspicious TLS")
	}
}

func TestDecideOnionTTLExpiredTriggersRestartOnlyWhenOnionRoutedAndLate(t *testing.T) {
	err := errors.New("SOCKS connection failed. TTL expired.")

	if outcome := Decide(err, 4, true); !outcome.TriggerDaemonRestart {
		t.Error("expected a daemon restart when onion-routed and attempt > 3")
	}
	if outcome := Decide(err, 4, false); outcome.TriggerDaemonRestart {
		t.Error("expected no daemon restart when the circuit is not onion-routed")
	}
	if outcome := Decide(err, 2, true); outcome.TriggerDaemonRestart {
		t.Error("expected no daemon restart before attempt > 3")
	}
}

func TestDecideUnclassifiedNeverRewindsOrForces(t *testing.T) {
	outcome := Decide(errors.New("mystery failure"), 1, true)
	if outcome.ForceIPChange || outcome.TriggerDaemonRestart {
		t.Errorf("unexpected action for an unclassified error: %+v", outcome)
	}
	if outcome.RewindAttemptsBy != 1.0 {
		t.Errorf("RewindAttemptsBy = %v, want 1.0", outcome.RewindAttemptsBy)
	}
}

func TestDecidePollingCapsAttemptAndDegradesHealthPastThreshold(t *testing.T) {
	if got := DecidePolling(1); got.DegradeHealth || got.CappedAttempt != 1 {
		t.Errorf("DecidePolling(1) = %+v, want DegradeHealth=false CappedAttempt=1", got)
	}
	if got := DecidePolling(4); !got.DegradeHealth || got.CappedAttempt != 4 {
		t.Errorf("DecidePolling(4) = %+v, want DegradeHealth=true CappedAttempt=4", got)
	}
	if got := DecidePolling(10); got.CappedAttempt != 4 {
		t.Errorf("DecidePolling(10).CappedAttempt = %d, want capped at 4", got.CappedAttempt)
	}
}
