package voice

import (
	"math/rand/v2"
	"sync"
)

// Trigger decides whether an idle multi-party session should respond to
// the utterances that are ready this cycle.
type Trigger interface {
	Fire(ready map[SpeakerID]string) bool
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ready map[SpeakerID]string) bool

func (f TriggerFunc) Fire(ready map[SpeakerID]string) bool { return f(ready) }

// WakeTrigger fires when any ready utterance contains a wake phrase.
type WakeTrigger struct {
	Detector *WakeDetector
}

func (w WakeTrigger) Fire(ready map[SpeakerID]string) bool {
	for _, text := range ready {
		if ok, _ := w.Detector.Detect(text); ok {
			return true
		}
	}
	return false
}

// SamplingTrigger fires with probability Rate per decision.
type SamplingTrigger struct {
	Rate float64

	mu   sync.Mutex
	rand func() float64
}

// NewSamplingTrigger uses src for draws in [0,1); nil means math/rand.
func NewSamplingTrigger(rate float64, src func() float64) *SamplingTrigger {
	if src == nil {
		src = rand.Float64
	}
	return &SamplingTrigger{Rate: rate, rand: src}
}

func (s *SamplingTrigger) Fire(map[SpeakerID]string) bool {
	if s.Rate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand() < s.Rate
}

// AnyTrigger fires when any member fires. Members are evaluated in order.
type AnyTrigger []Trigger

func (a AnyTrigger) Fire(ready map[SpeakerID]string) bool {
	for _, t := range a {
		if t != nil && t.Fire(ready) {
			return true
		}
	}
	return false
}

// always is used when no trigger is configured.
var always = TriggerFunc(func(map[SpeakerID]string) bool { return true })
