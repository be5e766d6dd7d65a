package model

import "testing"

func TestResolveTradingMode(t *testing.T) {
	cases := []struct {
		name          string
		executionMode string
		legacyMode    string
		want          TradingMode
	}{
		{"execution mode wins", "REAL", "DRY_RUN", ModeReal},
		{"dry run", "DRY_RUN", "", ModeDryRun},
		{"cbt normalizes to dry run", "CBT", "", ModeDryRun},
		{"legacy fallback", "", "REAL", ModeReal},
		{"legacy cbt", "", "cbt", ModeDryRun},
		{"case and whitespace", "  real ", "", ModeReal},
		{"unset defaults to paper", "", "", ModePaper},
		{"unknown defaults to paper", "BACKTEST", "", ModePaper},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveTradingMode(tc.executionMode, tc.legacyMode)
			if got != tc.want {
				t.Fatalf("ResolveTradingMode(%q, %q) = %s, want %s", tc.executionMode, tc.legacyMode, got, tc.want)
			}
		})
	}
}

func TestTradingModeFromEnv(t *testing.T) {
	t.Setenv("EXECUTION_MODE", "CBT")
	t.Setenv("TRADING_MODE", "REAL")

	if got := TradingModeFromEnv(); got != ModeDryRun {
		t.Fatalf("expected EXECUTION_MODE to take priority, got %s", got)
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"5930":    "005930",
		"005930":  "005930",
		" 660 ":   "000660",
		"1234567": "1234567",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}
