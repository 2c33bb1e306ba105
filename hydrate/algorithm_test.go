package hydrate

import "testing"

func TestSelectAlgorithm(t *testing.T) {
	tests := []struct {
		name string
		sig  ClientSignals
		want string
	}{
		{"defaults", ClientSignals{}, AlgoAdaptive},
		{"data saver", ClientSignals{SaveData: true}, AlgoNetworkAware},
		{"saver wins over battery", ClientSignals{SaveData: true, BatteryLevel: 0.1}, AlgoNetworkAware},
		{"low battery", ClientSignals{BatteryLevel: 0.1}, AlgoBatteryConscious},
		{"low battery but charging", ClientSignals{BatteryLevel: 0.1, BatteryCharging: true}, AlgoAdaptive},
		{"battery unknown", ClientSignals{BatteryLevel: 0}, AlgoAdaptive},
		{"healthy battery", ClientSignals{BatteryLevel: 0.9}, AlgoAdaptive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectAlgorithm(tt.sig); got != tt.want {
				t.Errorf("SelectAlgorithm(%+v) = %s, want %s", tt.sig, got, tt.want)
			}
		})
	}
}

func TestAdaptivePick(t *testing.T) {
	var cfg AdaptiveConfig
	cfg.defaults()

	tests := []struct {
		name  string
		score float64
		sig   ClientSignals
		want  string
	}{
		{"struggling", 30, ClientSignals{}, AlgoBatteryConscious},
		{"just below low band", 39.9, ClientSignals{}, AlgoBatteryConscious},
		{"mid band", 55, ClientSignals{}, AlgoVisibilityBased},
		{"low band edge is mid", 40, ClientSignals{}, AlgoVisibilityBased},
		{"high band edge is mid", 70, ClientSignals{}, AlgoVisibilityBased},
		{"mid band constrained", 55, ClientSignals{SaveData: true}, AlgoNetworkAware},
		{"mid band 2g", 55, ClientSignals{ConnectionType: "2g"}, AlgoNetworkAware},
		{"healthy", 85, ClientSignals{}, AlgoPriorityFirst},
		{"healthy ignores network", 85, ClientSignals{SaveData: true}, AlgoPriorityFirst},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.pick(tt.score, tt.sig); got != tt.want {
				t.Errorf("pick(%.1f, %+v) = %s, want %s", tt.score, tt.sig, got, tt.want)
			}
		})
	}
}

func TestConstrainedSignals(t *testing.T) {
	tests := []struct {
		name string
		sig  ClientSignals
		want bool
	}{
		{"clear", ClientSignals{ConnectionType: "4g", BandwidthMbps: 12}, false},
		{"saver", ClientSignals{SaveData: true, BandwidthMbps: 50}, true},
		{"2g", ClientSignals{ConnectionType: "2g"}, true},
		{"slow 2g", ClientSignals{ConnectionType: "slow-2g"}, true},
		{"sub-mbps", ClientSignals{ConnectionType: "3g", BandwidthMbps: 0.6}, true},
		{"bandwidth unknown", ClientSignals{ConnectionType: "3g"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sig.constrained(); got != tt.want {
				t.Errorf("constrained(%+v) = %v, want %v", tt.sig, got, tt.want)
			}
		})
	}
}

func TestEffectiveConcurrency(t *testing.T) {
	constrained := ClientSignals{SaveData: true}
	clear := ClientSignals{BandwidthMbps: 20}

	tests := []struct {
		name  string
		algo  string
		limit int
		sig   ClientSignals
		want  int
	}{
		{"priority keeps cap", AlgoPriorityFirst, 4, clear, 4},
		{"visibility keeps cap", AlgoVisibilityBased, 4, constrained, 4},
		{"battery is serial", AlgoBatteryConscious, 8, clear, 1},
		{"network halves when constrained", AlgoNetworkAware, 4, constrained, 2},
		{"network floor of one", AlgoNetworkAware, 1, constrained, 1},
		{"network keeps cap when clear", AlgoNetworkAware, 4, clear, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveConcurrency(tt.algo, tt.limit, tt.sig); got != tt.want {
				t.Errorf("effectiveConcurrency(%s, %d) = %d, want %d", tt.algo, tt.limit, got, tt.want)
			}
		})
	}
}

func TestRankTarget(t *testing.T) {
	onScreen := &target{priority: 3, lastRatio: 0.5}
	offScreen := &target{priority: 9}

	if got := rankTarget(AlgoPriorityFirst, onScreen); got != 3 {
		t.Errorf("priority rank = %.1f, want 3", got)
	}
	// Visibility-based puts any on-screen target ahead of a high-priority
	// off-screen one.
	if rankTarget(AlgoVisibilityBased, onScreen) <= rankTarget(AlgoVisibilityBased, offScreen) {
		t.Error("visibility rank did not favor the on-screen target")
	}
}
