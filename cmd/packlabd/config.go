package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/lifecycle"
	"github.com/packlab-io/packlab-go/internal/platform/env"
)

// fileConfig is the optional yaml overlay for the lifecycle tunables.
// Connection settings stay in the environment (see the platform packages).
type fileConfig struct {
	Lifecycle struct {
		ReservationTTL  string `yaml:"reservation_ttl"`
		LeaseTTL        string `yaml:"lease_ttl"`
		StuckClaimAge   string `yaml:"stuck_claim_age"`
		SweepPeriod     string `yaml:"sweep_period"`
		ResultRetention string `yaml:"result_retention"`
		QueueWait       string `yaml:"queue_wait"`
		ScanLimit       int    `yaml:"scan_limit"`
		MinimumFeeFloor int64  `yaml:"minimum_fee_floor_micros"`
		MinimumFeeCap   int64  `yaml:"minimum_fee_cap_micros"`
		MinimumFeeBps   int    `yaml:"minimum_fee_bps"`
	} `yaml:"lifecycle"`
	QueueName   string `yaml:"queue_name"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type daemonConfig struct {
	Tunables    lifecycle.Tunables
	QueueName   string
	MetricsAddr string
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := daemonConfig{
		Tunables:    lifecycle.DefaultTunables(),
		QueueName:   env.String("PACKLAB_QUEUE_NAME", "runs"),
		MetricsAddr: env.String("PACKLAB_METRICS_ADDR", ":9102"),
	}
	if path == "" {
		return cfg, cfg.Tunables.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return daemonConfig{}, fmt.Errorf("parse config: %w", err)
	}

	if err := overrideDuration(&cfg.Tunables.ReservationTTL, fc.Lifecycle.ReservationTTL, "reservation_ttl"); err != nil {
		return daemonConfig{}, err
	}
	if err := overrideDuration(&cfg.Tunables.LeaseTTL, fc.Lifecycle.LeaseTTL, "lease_ttl"); err != nil {
		return daemonConfig{}, err
	}
	if err := overrideDuration(&cfg.Tunables.StuckClaimAge, fc.Lifecycle.StuckClaimAge, "stuck_claim_age"); err != nil {
		return daemonConfig{}, err
	}
	if err := overrideDuration(&cfg.Tunables.SweepPeriod, fc.Lifecycle.SweepPeriod, "sweep_period"); err != nil {
		return daemonConfig{}, err
	}
	if err := overrideDuration(&cfg.Tunables.ResultRetention, fc.Lifecycle.ResultRetention, "result_retention"); err != nil {
		return daemonConfig{}, err
	}
	if err := overrideDuration(&cfg.Tunables.QueueWait, fc.Lifecycle.QueueWait, "queue_wait"); err != nil {
		return daemonConfig{}, err
	}
	if fc.Lifecycle.ScanLimit > 0 {
		cfg.Tunables.ScanLimit = fc.Lifecycle.ScanLimit
	}
	if fc.Lifecycle.MinimumFeeFloor > 0 {
		cfg.Tunables.MinimumFeeFloor = domain.Micros(fc.Lifecycle.MinimumFeeFloor)
	}
	if fc.Lifecycle.MinimumFeeCap > 0 {
		cfg.Tunables.MinimumFeeCap = domain.Micros(fc.Lifecycle.MinimumFeeCap)
	}
	if fc.Lifecycle.MinimumFeeBps > 0 {
		cfg.Tunables.MinimumFeeBps = fc.Lifecycle.MinimumFeeBps
	}
	if fc.QueueName != "" {
		cfg.QueueName = fc.QueueName
	}
	if fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}

	return cfg, cfg.Tunables.Validate()
}

func overrideDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}
