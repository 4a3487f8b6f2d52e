package session

import (
	"time"

	"github.com/rhizomelab/dialtone/internal/media"
)

// Level grades connection quality from periodic receive stats.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelPoor      Level = "poor"
	LevelCritical  Level = "critical"
)

// Classify grades one stats sample. A sample is as bad as its worst metric.
func Classify(s media.Stats) Level {
	lossLevel := LevelExcellent
	switch {
	case s.PacketLossPercent > 8:
		lossLevel = LevelCritical
	case s.PacketLossPercent > 3:
		lossLevel = LevelPoor
	case s.PacketLossPercent > 1:
		lossLevel = LevelGood
	}

	rttLevel := LevelExcellent
	switch {
	case s.RTT > 600*time.Millisecond:
		rttLevel = LevelCritical
	case s.RTT > 300*time.Millisecond:
		rttLevel = LevelPoor
	case s.RTT > 150*time.Millisecond:
		rttLevel = LevelGood
	}

	if worse(rttLevel, lossLevel) {
		return rttLevel
	}
	return lossLevel
}

var levelRank = map[Level]int{
	LevelExcellent: 0,
	LevelGood:      1,
	LevelPoor:      2,
	LevelCritical:  3,
}

func worse(a, b Level) bool { return levelRank[a] > levelRank[b] }

// QualityMonitor accumulates graded samples and detects sustained critical
// quality. It is pure policy: the caller feeds it samples on its own
// schedule and acts on the returns.
type QualityMonitor struct {
	window time.Duration

	level         Level
	criticalSince time.Time
	fired         bool
}

// NewQualityMonitor creates a monitor that reports sustained critical
// quality after the level has stayed critical for window.
func NewQualityMonitor(window time.Duration) *QualityMonitor {
	return &QualityMonitor{window: window, level: LevelExcellent}
}

func (m *QualityMonitor) Level() Level { return m.level }

// Observe grades a sample. changed is true when the level moved;
// sustainedCritical fires once per critical episode, after the level has
// been critical for the configured window.
func (m *QualityMonitor) Observe(s media.Stats) (level Level, changed bool, sustainedCritical bool) {
	level = Classify(s)
	changed = level != m.level
	m.level = level

	if level != LevelCritical {
		m.criticalSince = time.Time{}
		m.fired = false
		return level, changed, false
	}

	if m.criticalSince.IsZero() {
		m.criticalSince = s.SampledAt
	}
	if !m.fired && s.SampledAt.Sub(m.criticalSince) >= m.window {
		m.fired = true
		return level, changed, true
	}
	return level, changed, false
}
