package p2p

import (
	"testing"
	"time"
)

func reputationConfig() ReputationConfig {
	return ReputationConfig{
		GreyScore:        20,
		BanScore:         50,
		BanDuration:      time.Minute,
		GreylistDuration: 30 * time.Second,
		DecayHalfLife:    10 * time.Minute,
	}
}

func TestReputationGreylistThenBan(t *testing.T) {
	mgr := NewReputationManager(reputationConfig())
	now := time.Unix(1_700_000_000, 0)

	status := mgr.Adjust("peer", -25, now, false)
	if !status.Greylisted {
		t.Fatalf("score %d should greylist", status.Score)
	}
	if status.Banned {
		t.Fatalf("score %d should not ban yet", status.Score)
	}

	status = mgr.Adjust("peer", -30, now, false)
	if !status.Banned {
		t.Fatalf("score %d should ban", status.Score)
	}
	if !mgr.IsBanned("peer", now.Add(30*time.Second)) {
		t.Fatalf("ban should persist inside the ban window")
	}
	if mgr.IsBanned("peer", now.Add(2*time.Minute)) {
		t.Fatalf("ban should expire after the window")
	}
}

func TestReputationValidatorNeverBanned(t *testing.T) {
	mgr := NewReputationManager(reputationConfig())
	now := time.Unix(1_700_000_000, 0)

	status := mgr.Adjust("validator", -500, now, true)
	if status.Banned {
		t.Fatalf("validator must not be banned")
	}
	if mgr.IsBanned("validator", now) {
		t.Fatalf("validator must not appear on the ban list")
	}
	// Greylisting still applies so a misbehaving validator is throttled.
	if !status.Greylisted {
		t.Fatalf("validator should still be greylisted at score %d", status.Score)
	}
}

func TestReputationDecay(t *testing.T) {
	cfg := reputationConfig()
	mgr := NewReputationManager(cfg)
	now := time.Unix(1_700_000_000, 0)

	mgr.Adjust("peer", -40, now, false)
	if score := mgr.Score("peer", now.Add(cfg.DecayHalfLife)); score != -20 {
		t.Fatalf("score should halve after one half-life, got %d", score)
	}
	if score := mgr.Score("peer", now.Add(10*cfg.DecayHalfLife)); score != 0 {
		t.Fatalf("score should decay to zero, got %d", score)
	}
}

func TestReputationGreylistExpires(t *testing.T) {
	cfg := reputationConfig()
	mgr := NewReputationManager(cfg)
	now := time.Unix(1_700_000_000, 0)

	mgr.Adjust("peer", -25, now, false)
	if !mgr.IsGreylisted("peer", now.Add(10*time.Second)) {
		t.Fatalf("greylist should hold inside the window")
	}
	if mgr.IsGreylisted("peer", now.Add(time.Minute)) {
		t.Fatalf("greylist should expire")
	}
}

func TestReputationCountersAndLatency(t *testing.T) {
	mgr := NewReputationManager(reputationConfig())
	now := time.Unix(1_700_000_000, 0)

	mgr.MarkUseful("peer", now)
	mgr.MarkUseful("peer", now)
	status := mgr.MarkMisbehavior("peer", now)
	if status.Useful != 2 || status.Misbehavior != 1 {
		t.Fatalf("counters: useful=%d misbehavior=%d", status.Useful, status.Misbehavior)
	}

	status = mgr.ObserveLatency("peer", 100*time.Millisecond, now)
	if status.LatencyMS != 100 {
		t.Fatalf("first sample seeds the EWMA, got %f", status.LatencyMS)
	}
	status = mgr.ObserveLatency("peer", 200*time.Millisecond, now)
	if status.LatencyMS <= 100 || status.LatencyMS >= 200 {
		t.Fatalf("EWMA should move toward the new sample, got %f", status.LatencyMS)
	}
}

func TestReputationSetBanOverride(t *testing.T) {
	mgr := NewReputationManager(reputationConfig())
	now := time.Unix(1_700_000_000, 0)

	mgr.SetBan("peer", now.Add(time.Hour), now)
	if !mgr.IsBanned("peer", now.Add(30*time.Minute)) {
		t.Fatalf("operator ban should hold")
	}
	mgr.SetBan("peer", now, now)
	if mgr.IsBanned("peer", now.Add(time.Second)) {
		t.Fatalf("clearing the ban should lift it")
	}
}
