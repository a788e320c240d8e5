package config

import (
	"time"

	"compitutto/internal/run"
)

// TimeoutsConfig holds the run timeouts as duration strings ("30s", "250ms").
// An empty or unparsable value falls back to the built-in default.
type TimeoutsConfig struct {
	Navigation      string `yaml:"navigation"`
	ElementCheck    string `yaml:"element_check"`
	ResolveBudget   string `yaml:"resolve_budget"`
	LoginField      string `yaml:"login_field"`
	LoginNavigation string `yaml:"login_navigation"`
	Settle          string `yaml:"settle"`
	ModalWait       string `yaml:"modal_wait"`
	WindowWait      string `yaml:"window_wait"`
	RecoveryGrace   string `yaml:"recovery_grace"`
	Download        string `yaml:"download"`
	Capture         string `yaml:"capture"`
	Handoff         string `yaml:"handoff"`
	PollInterval    string `yaml:"poll_interval"`
}

// DefaultTimeouts returns the string form of run.DefaultTimeouts.
func DefaultTimeouts() TimeoutsConfig {
	d := run.DefaultTimeouts()
	return TimeoutsConfig{
		Navigation:      d.Navigation.String(),
		ElementCheck:    d.ElementCheck.String(),
		ResolveBudget:   d.ResolveBudget.String(),
		LoginField:      d.LoginField.String(),
		LoginNavigation: d.LoginNavigation.String(),
		Settle:          d.Settle.String(),
		ModalWait:       d.ModalWait.String(),
		WindowWait:      d.WindowWait.String(),
		RecoveryGrace:   d.RecoveryGrace.String(),
		Download:        d.Download.String(),
		Capture:         d.Capture.String(),
		Handoff:         d.Handoff.String(),
		PollInterval:    d.PollInterval.String(),
	}
}

// Resolve parses every field into run.Timeouts.
func (t TimeoutsConfig) Resolve() run.Timeouts {
	parse := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return 0
		}
		return d
	}
	return run.Timeouts{
		Navigation:      parse(t.Navigation),
		ElementCheck:    parse(t.ElementCheck),
		ResolveBudget:   parse(t.ResolveBudget),
		LoginField:      parse(t.LoginField),
		LoginNavigation: parse(t.LoginNavigation),
		Settle:          parse(t.Settle),
		ModalWait:       parse(t.ModalWait),
		WindowWait:      parse(t.WindowWait),
		RecoveryGrace:   parse(t.RecoveryGrace),
		Download:        parse(t.Download),
		Capture:         parse(t.Capture),
		Handoff:         parse(t.Handoff),
		PollInterval:    parse(t.PollInterval),
	}.WithDefaults()
}
