package model

import (
	"os"
	"strings"
)

// TradingMode namespaces every persisted row so paper, dry-run and real
// trading never read each other's state.
type TradingMode string

const (
	ModeDryRun TradingMode = "DRY_RUN"
	ModeReal   TradingMode = "REAL"
	ModePaper  TradingMode = "PAPER"
)

// ResolveTradingMode maps the raw execution-mode and legacy trading-mode
// variables to a database namespace. The execution-mode value takes
// priority; DRY_RUN and CBT both normalize to the DRY_RUN namespace and an
// empty pair defaults to PAPER.
func ResolveTradingMode(executionMode, legacyMode string) TradingMode {
	raw := strings.ToUpper(strings.TrimSpace(executionMode))
	if raw == "" {
		raw = strings.ToUpper(strings.TrimSpace(legacyMode))
	}

	switch raw {
	case "DRY_RUN", "CBT":
		return ModeDryRun
	case "REAL":
		return ModeReal
	default:
		return ModePaper
	}
}

// TradingModeFromEnv resolves the mode from EXECUTION_MODE and the legacy
// TRADING_MODE variable.
func TradingModeFromEnv() TradingMode {
	return ResolveTradingMode(os.Getenv("EXECUTION_MODE"), os.Getenv("TRADING_MODE"))
}
