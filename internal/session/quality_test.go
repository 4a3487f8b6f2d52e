package session

import (
	"testing"
	"time"

	"github.com/rhizomelab/dialtone/internal/media"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   media.Stats
		want Level
	}{
		{"clean", media.Stats{PacketLossPercent: 0.2, RTT: 40 * time.Millisecond}, LevelExcellent},
		{"mild loss", media.Stats{PacketLossPercent: 2, RTT: 40 * time.Millisecond}, LevelGood},
		{"slow link", media.Stats{PacketLossPercent: 0.2, RTT: 200 * time.Millisecond}, LevelGood},
		{"lossy", media.Stats{PacketLossPercent: 5, RTT: 40 * time.Millisecond}, LevelPoor},
		{"laggy", media.Stats{PacketLossPercent: 0.5, RTT: 450 * time.Millisecond}, LevelPoor},
		{"heavy loss", media.Stats{PacketLossPercent: 12, RTT: 40 * time.Millisecond}, LevelCritical},
		{"dead air", media.Stats{PacketLossPercent: 0.5, RTT: 900 * time.Millisecond}, LevelCritical},
		// Worst metric wins.
		{"mixed", media.Stats{PacketLossPercent: 12, RTT: 40 * time.Millisecond}, LevelCritical},
	}
	for _, c := range cases {
		if got := Classify(c.in); got != c.want {
			t.Errorf("%s: Classify = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestQualityMonitor_SustainedCriticalFiresOncePerEpisode(t *testing.T) {
	m := NewQualityMonitor(10 * time.Second)
	base := time.UnixMilli(0)

	critical := func(at time.Duration) media.Stats {
		return media.Stats{PacketLossPercent: 20, SampledAt: base.Add(at)}
	}
	clean := func(at time.Duration) media.Stats {
		return media.Stats{PacketLossPercent: 0, SampledAt: base.Add(at)}
	}

	level, changed, sustained := m.Observe(critical(0))
	if level != LevelCritical || !changed || sustained {
		t.Fatalf("first sample: level=%s changed=%v sustained=%v", level, changed, sustained)
	}
	if _, _, sustained := m.Observe(critical(5 * time.Second)); sustained {
		t.Fatalf("fired before the window elapsed")
	}
	if _, changed, sustained := m.Observe(critical(10 * time.Second)); !sustained || changed {
		t.Fatalf("did not fire at window: changed=%v sustained=%v", changed, sustained)
	}
	// Still critical afterwards: no repeat fire.
	if _, _, sustained := m.Observe(critical(20 * time.Second)); sustained {
		t.Fatalf("fired twice in one episode")
	}

	// Recovery closes the episode; a fresh one can fire again.
	if level, changed, _ := m.Observe(clean(25 * time.Second)); level != LevelExcellent || !changed {
		t.Fatalf("recovery not observed")
	}
	m.Observe(critical(30 * time.Second))
	if _, _, sustained := m.Observe(critical(40 * time.Second)); !sustained {
		t.Fatalf("second episode did not fire")
	}
}

func TestQualityMonitor_BriefDipDoesNotFire(t *testing.T) {
	m := NewQualityMonitor(10 * time.Second)
	base := time.UnixMilli(0)

	m.Observe(media.Stats{PacketLossPercent: 20, SampledAt: base})
	m.Observe(media.Stats{PacketLossPercent: 0, SampledAt: base.Add(4 * time.Second)})
	_, _, sustained := m.Observe(media.Stats{PacketLossPercent: 20, SampledAt: base.Add(8 * time.Second)})
	if sustained {
		t.Fatalf("fired without a full sustained window")
	}
	// The window restarts from the new episode's first sample.
	_, _, sustained = m.Observe(media.Stats{PacketLossPercent: 20, SampledAt: base.Add(18 * time.Second)})
	if !sustained {
		t.Fatalf("did not fire after full window in second episode")
	}
}
