package archive

import (
	"sort"
	"sync"
	"time"
)

// latencyWeight is the EWMA weight given to a new observation.
const latencyWeight = 0.3

// ProviderSelector ranks storage providers by observed proposal latency.
// Providers that have never answered, or whose last deal failed, rank after
// every provider with a live observation. When no configured provider is
// eligible the default provider is used.
type ProviderSelector struct {
	mu        sync.Mutex
	providers []string
	fallback  string
	latency   map[string]time.Duration
}

func NewProviderSelector(providers []string, fallback string) *ProviderSelector {
	return &ProviderSelector{
		providers: append([]string(nil), providers...),
		fallback:  fallback,
		latency:   make(map[string]time.Duration),
	}
}

// Pick returns the best provider not in exclude.
func (s *ProviderSelector) Pick(exclude map[string]bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var observed, unobserved []string
	for _, p := range s.providers {
		if exclude[p] {
			continue
		}
		if _, ok := s.latency[p]; ok {
			observed = append(observed, p)
		} else {
			unobserved = append(unobserved, p)
		}
	}
	sort.SliceStable(observed, func(i, j int) bool {
		return s.latency[observed[i]] < s.latency[observed[j]]
	})

	if len(observed) > 0 {
		return observed[0]
	}
	if len(unobserved) > 0 {
		return unobserved[0]
	}
	return s.fallback
}

// Observe folds a successful response time into the provider's score.
func (s *ProviderSelector) Observe(provider string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.latency[provider]
	if !ok {
		s.latency[provider] = d
		return
	}
	s.latency[provider] = time.Duration(latencyWeight*float64(d) + (1-latencyWeight)*float64(prev))
}

// Fail drops the provider's observation so it ranks behind responsive ones.
func (s *ProviderSelector) Fail(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latency, provider)
}
