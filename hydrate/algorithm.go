package hydrate

// SelectAlgorithm picks a session's scheduling algorithm from client
// signals. Data saver forces network-aware scheduling, a low discharging
// battery forces battery-conscious, and everything else gets the adaptive
// algorithm, which re-selects per scheduling pass.
func SelectAlgorithm(sig ClientSignals) string {
	if sig.SaveData {
		return AlgoNetworkAware
	}
	if sig.batteryLow() {
		return AlgoBatteryConscious
	}
	return AlgoAdaptive
}

// AdaptiveConfig sets the performance-score bands the adaptive algorithm
// maps to concrete algorithms.
type AdaptiveConfig struct {
	// LowScore and below selects battery_conscious. Default 40.
	LowScore float64 `yaml:"low_score"`

	// HighScore and above selects priority_first. Default 70. Between the
	// bands, network_aware on constrained networks, visibility_based
	// otherwise.
	HighScore float64 `yaml:"high_score"`
}

func (c *AdaptiveConfig) defaults() {
	if c.LowScore <= 0 {
		c.LowScore = 40
	}
	if c.HighScore <= 0 {
		c.HighScore = 70
	}
}

// pick resolves the adaptive algorithm to a concrete one for a single
// scheduling pass.
func (c AdaptiveConfig) pick(score float64, sig ClientSignals) string {
	switch {
	case score < c.LowScore:
		return AlgoBatteryConscious
	case score <= c.HighScore:
		if sig.constrained() {
			return AlgoNetworkAware
		}
		return AlgoVisibilityBased
	default:
		return AlgoPriorityFirst
	}
}

// rankTarget scores a runnable target under the given concrete algorithm;
// the scheduler runs the highest score first, ties going to the earlier
// registration. Visibility-based ranking puts on-screen work ahead of
// everything: an intersection ratio outweighs any priority.
func rankTarget(algo string, t *target) float64 {
	if algo == AlgoVisibilityBased {
		return t.lastRatio*100 + float64(t.priority)
	}
	return float64(t.priority)
}

// effectiveConcurrency narrows the configured cap per algorithm:
// battery-conscious hydration is strictly serial, and network-aware
// scheduling halves the cap while the network is constrained.
func effectiveConcurrency(algo string, limit int, sig ClientSignals) int {
	switch algo {
	case AlgoBatteryConscious:
		return 1
	case AlgoNetworkAware:
		if sig.constrained() {
			half := limit / 2
			if half < 1 {
				half = 1
			}
			return half
		}
	}
	return limit
}
