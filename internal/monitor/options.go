package monitor

import (
	"time"

	"portwatch/internal/config"
)

const maxWorkers = 32

type Options struct {
	Interval         time.Duration
	FastInterval     time.Duration
	ErrorBackoff     time.Duration
	FailThreshold    int
	ConfirmChecks    int
	DownConfirmDelay time.Duration
	UpConfirmDelay   time.Duration
	PacingDelay      time.Duration
	Workers          int
}

func OptionsFromConfig(cfg config.Monitoring) Options {
	return Options{
		Interval:         defaultSeconds(cfg.IntervalSeconds, 60),
		FastInterval:     defaultSeconds(cfg.FastIntervalSeconds, 15),
		ErrorBackoff:     defaultSeconds(cfg.ErrorBackoffSeconds, 5),
		FailThreshold:    defaultCount(cfg.FailThreshold, 3),
		ConfirmChecks:    defaultCount(cfg.ConfirmChecks, 2),
		DownConfirmDelay: defaultMillis(cfg.DownConfirmDelayMS, 2000),
		UpConfirmDelay:   defaultMillis(cfg.UpConfirmDelayMS, 3000),
		PacingDelay:      defaultMillis(cfg.PacingDelayMS, 500),
		Workers:          defaultWorkers(cfg.MaxParallelChecks),
	}
}

func defaultSeconds(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

func defaultMillis(value int, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Millisecond
}

func defaultCount(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func defaultWorkers(value int) int {
	if value < 1 {
		value = 1
	}
	if value > maxWorkers {
		value = maxWorkers
	}
	return value
}
