package config

import (
	"fmt"
	"os"
)

// SelfCheckReport summarizes the security posture of the active config.
type SelfCheckReport struct {
	RiskLevel       string   `json:"risk_level"` // low, medium, high
	Warnings        []string `json:"warnings"`
	SecurityPosture string   `json:"security_posture"`
}

// SelfCheck inspects the active configuration for risky settings.
func SelfCheck(cfg Config) SelfCheckReport {
	var warnings []string
	score := 0

	if cfg.APIKey == "" {
		warnings = append(warnings, "no LLM api_key configured; provider calls will fail")
	}
	if cfg.Sandbox.Mode != "all" {
		warnings = append(warnings, "sandbox mode is off: shell commands run directly on the host")
		score += 2
	}
	if cfg.Sandbox.Mode == "all" && !cfg.Sandbox.RequireRuntime {
		warnings = append(warnings, "sandbox does not require a runtime: tools fall back to host when the container backend is down")
		score++
	}
	if cfg.WebEnabled && cfg.WebHost != "127.0.0.1" && cfg.WebHost != "localhost" {
		warnings = append(warnings, fmt.Sprintf("web interface bound to %s: reachable beyond localhost", cfg.WebHost))
		score += 2
	}
	if len(cfg.ControlChatIDs) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d control chat(s) may act across chats and write global memory", len(cfg.ControlChatIDs)))
		score++
	}
	if cfg.WorkingDirIsolation == "shared" {
		warnings = append(warnings, "working_dir_isolation=shared: all chats see the same files")
		score++
	}
	if cfg.PathAllowlistFile != "" {
		if _, err := os.Stat(cfg.PathAllowlistFile); err == nil {
			warnings = append(warnings, "path allowlist file present: some guarded roots may be reachable")
			score++
		}
	}

	level := "low"
	switch {
	case score >= 4:
		level = "high"
	case score >= 2:
		level = "medium"
	}

	posture := "hardened"
	if cfg.Sandbox.Mode != "all" {
		posture = "host-exec"
	}
	if cfg.WebEnabled && cfg.WebHost != "127.0.0.1" && cfg.WebHost != "localhost" {
		posture = "exposed"
	}

	return SelfCheckReport{RiskLevel: level, Warnings: warnings, SecurityPosture: posture}
}
