package config

import "time"

// GateConfig configures the barrier actuator.  Simulation is on by default
// so a missing broker never blocks exits in development.
type GateConfig struct {
	Simulation bool
	Exchange   string
	EntryID    string
	ExitID     string
	Timeout    time.Duration
}

func LoadGateConfig() GateConfig {
	return GateConfig{
		Simulation: envBool("GATE_SIMULATION", true),
		Exchange:   envStr("GATE_EXCHANGE", "parking.gates"),
		EntryID:    envStr("GATE_ENTRY_ID", "GATE_MAIN_ENTRY"),
		ExitID:     envStr("GATE_EXIT_ID", "GATE_MAIN_EXIT"),
		Timeout:    envDur("GATE_TIMEOUT", 2*time.Second),
	}
}
