// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bandit implements Thompson Sampling over Beta-distributed arms.
//
// # Overview
//
// Each arm models its success probability as Beta(alpha, beta), starting
// from the uniform prior Beta(1, 1). SelectArm draws one sample per arm and
// returns the arm with the highest draw. UpdateArm folds a reward r in
// [0, 1] into the posterior as alpha += r, beta += 1 - r.
//
// A minimum exploration rate forces a uniformly random choice on a fixed
// fraction of selections, so no arm is starved however skewed the
// posteriors become.
//
// # Thread Safety
//
// Bandit is safe for concurrent use. A single RWMutex guards the arm table.
// Selection copies the posterior parameters under the read lock and samples
// outside it, so selections may see slightly stale parameters but updates
// are never lost.
package bandit

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/random"
	"github.com/AleutianAI/AleutianRouter/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoArmsAvailable is returned when the bandit has no arms to select from.
	ErrNoArmsAvailable = errors.New("no arms available")

	// ErrUnknownArm is returned by lookups and removals of an unregistered arm.
	ErrUnknownArm = errors.New("unknown arm")

	// ErrDuplicateArm is returned when adding an arm that already exists.
	ErrDuplicateArm = errors.New("arm already exists")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Arm is one selectable strategy and its posterior.
type Arm struct {
	// ID is the arm identifier, also the executor name.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Alpha and Beta are the Beta posterior parameters. Both stay >= 1.
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// Pulls is the number of rewards folded into the posterior.
	Pulls int64 `json:"pulls"`

	// CumulativeReward is the sum of clamped rewards.
	CumulativeReward float64 `json:"cumulative_reward"`

	// LastUpdated is the time of the last reward. Zero if never updated.
	LastUpdated time.Time `json:"last_updated"`
}

// SuccessRate returns the posterior mean alpha / (alpha + beta).
func (a Arm) SuccessRate() float64 {
	return a.Alpha / (a.Alpha + a.Beta)
}

// Selection is the result of SelectArm.
type Selection struct {
	// ArmID is the selected arm.
	ArmID string `json:"arm_id"`

	// Confidence is the winning posterior sample, or 0 for exploration picks.
	Confidence float64 `json:"confidence"`

	// Explored is true when the arm was chosen uniformly at random.
	Explored bool `json:"explored"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// ArmConfig declares one arm and its optional prior.
type ArmConfig struct {
	// ID is the arm identifier.
	ID string `yaml:"id" validate:"armid"`

	// Name is a human-readable label. Defaults to ID.
	Name string `yaml:"name"`

	// Alpha is the prior alpha. Zero means 1.
	Alpha float64 `yaml:"alpha" validate:"omitempty,gte=1"`

	// Beta is the prior beta. Zero means 1.
	Beta float64 `yaml:"beta" validate:"omitempty,gte=1"`
}

// Config configures the Bandit.
type Config struct {
	// Arms lists the selectable arms. Must not be empty.
	Arms []ArmConfig `yaml:"arms" validate:"dive"`

	// MinExplorationRate is the probability of a uniformly random pick.
	// Default: 0.05
	MinExplorationRate float64 `yaml:"min_exploration_rate" validate:"unit"`

	// Sampler selects the Beta sampling strategy: "exact" or "approximate".
	// Default: "exact"
	Sampler string `yaml:"sampler" validate:"omitempty,oneof=exact approximate"`

	// Seed makes exploration and approximate sampling reproducible.
	// Zero uses a runtime seed.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns the default bandit configuration.
func DefaultConfig() Config {
	return Config{
		Arms: []ArmConfig{
			{ID: "fast", Name: "Fast"},
			{ID: "augmented", Name: "Augmented"},
			{ID: "hybrid", Name: "Hybrid"},
		},
		MinExplorationRate: 0.05,
		Sampler:            SamplerExact,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Arms) == 0 {
		return fmt.Errorf("bandit config: %w", ErrNoArmsAvailable)
	}
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("bandit config: %w", err)
	}
	seen := make(map[string]bool, len(c.Arms))
	for _, arm := range c.Arms {
		if seen[arm.ID] {
			return fmt.Errorf("bandit config: %w: %q", ErrDuplicateArm, arm.ID)
		}
		seen[arm.ID] = true
	}
	return nil
}

// Option configures a Bandit.
type Option func(*Bandit)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bandit) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStrategy overrides the sampling strategy named in Config.Sampler.
func WithStrategy(strategy SamplingStrategy) Option {
	return func(b *Bandit) {
		if strategy != nil {
			b.strategy = strategy
		}
	}
}

// WithSource overrides the random source used for exploration draws.
func WithSource(src random.Source) Option {
	return func(b *Bandit) {
		if src != nil {
			b.src = src
		}
	}
}

// WithClock sets the time source for arm timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bandit) {
		if now != nil {
			b.now = now
		}
	}
}

// -----------------------------------------------------------------------------
// Bandit
// -----------------------------------------------------------------------------

// Bandit selects arms by Thompson Sampling and learns from rewards.
//
// Thread Safety: Safe for concurrent use.
type Bandit struct {
	mu    sync.RWMutex
	arms  map[string]*Arm
	order []string

	explorationRate float64
	strategy        SamplingStrategy
	src             random.Source
	logger          *slog.Logger
	now             func() time.Time

	totalSelections       atomic.Int64
	explorationSelections atomic.Int64
	totalUpdates          atomic.Int64
}

// New creates a Bandit.
//
// Description:
//
//	Arms start at their configured priors, Beta(1, 1) by default. An
//	empty arm list fails with ErrNoArmsAvailable, which callers should
//	treat as a startup error.
//
// Inputs:
//   - cfg: Bandit configuration.
//   - opts: Optional settings.
//
// Outputs:
//   - *Bandit: The bandit.
//   - error: Non-nil if the configuration is invalid.
func New(cfg Config, opts ...Option) (*Bandit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bandit{
		arms:            make(map[string]*Arm, len(cfg.Arms)),
		explorationRate: cfg.MinExplorationRate,
		src:             random.New(cfg.Seed),
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.strategy == nil {
		strategy, err := NewSamplingStrategy(cfg.Sampler, b.src)
		if err != nil {
			return nil, fmt.Errorf("bandit config: %w", err)
		}
		b.strategy = strategy
	}

	for _, ac := range cfg.Arms {
		b.insertLocked(newArm(ac))
	}

	b.logger.Debug("bandit initialized",
		slog.Int("arms", len(b.order)),
		slog.Float64("min_exploration_rate", b.explorationRate),
		slog.String("sampler", b.strategy.Name()),
	)
	return b, nil
}

func newArm(ac ArmConfig) *Arm {
	arm := &Arm{ID: ac.ID, Name: ac.Name, Alpha: ac.Alpha, Beta: ac.Beta}
	if arm.Name == "" {
		arm.Name = ac.ID
	}
	if arm.Alpha < 1 {
		arm.Alpha = 1
	}
	if arm.Beta < 1 {
		arm.Beta = 1
	}
	return arm
}

// SelectArm chooses an arm for a request.
//
// Description:
//
//	With probability MinExplorationRate the arm is chosen uniformly at
//	random and Confidence is 0. Otherwise one sample is drawn from each
//	arm's posterior and the highest sample wins; Confidence is that sample.
//
// Inputs:
//   - reqCtx: Request attributes. Logged at debug level; not used for scoring.
//
// Outputs:
//   - Selection: The chosen arm.
//   - error: ErrNoArmsAvailable if the arm set is empty.
//
// Thread Safety: Safe for concurrent use.
func (b *Bandit) SelectArm(reqCtx map[string]any) (Selection, error) {
	type params struct {
		id          string
		alpha, beta float64
	}

	b.mu.RLock()
	candidates := make([]params, 0, len(b.order))
	for _, id := range b.order {
		arm := b.arms[id]
		candidates = append(candidates, params{id: id, alpha: arm.Alpha, beta: arm.Beta})
	}
	b.mu.RUnlock()

	if len(candidates) == 0 {
		return Selection{}, ErrNoArmsAvailable
	}
	b.totalSelections.Add(1)

	if b.explorationRate > 0 && b.src.Float64() < b.explorationRate {
		b.explorationSelections.Add(1)
		pick := candidates[b.src.IntN(len(candidates))]
		b.logger.Debug("bandit exploration pick",
			slog.String("arm", pick.id),
			slog.Int("context_keys", len(reqCtx)),
		)
		return Selection{ArmID: pick.id, Confidence: 0, Explored: true}, nil
	}

	best := Selection{Confidence: -1}
	for _, c := range candidates {
		sample := b.strategy.Sample(c.alpha, c.beta)
		if sample > best.Confidence {
			best = Selection{ArmID: c.id, Confidence: sample}
		}
	}

	b.logger.Debug("bandit selected arm",
		slog.String("arm", best.ArmID),
		slog.Float64("confidence", best.Confidence),
		slog.Int("context_keys", len(reqCtx)),
	)
	return best, nil
}

// UpdateArm folds a reward into an arm's posterior.
//
// Description:
//
//	The reward is clamped to [0, 1], then alpha += r and beta += 1 - r.
//	An unknown arm is logged at warn level and ignored; updates race with
//	removals and must never fail the caller.
//
// Thread Safety: Safe for concurrent use.
func (b *Bandit) UpdateArm(armID string, reward float64) {
	r := clamp01(reward)

	b.mu.Lock()
	arm, ok := b.arms[armID]
	if !ok {
		b.mu.Unlock()
		b.logger.Warn("bandit update for unknown arm ignored",
			slog.String("arm", armID),
			slog.Float64("reward", reward),
		)
		return
	}
	arm.Alpha += r
	arm.Beta += 1 - r
	arm.Pulls++
	arm.CumulativeReward += r
	arm.LastUpdated = b.now()
	b.mu.Unlock()

	b.totalUpdates.Add(1)
}

// AddArm registers a new arm with the uniform prior.
func (b *Bandit) AddArm(id, name string) error {
	if err := validation.ValidateArmID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.arms[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateArm, id)
	}
	b.insertLocked(newArm(ArmConfig{ID: id, Name: name}))
	b.logger.Info("bandit arm added", slog.String("arm", id))
	return nil
}

// RemoveArm unregisters an arm. Pending updates for it become no-ops.
func (b *Bandit) RemoveArm(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.arms[id]; !exists {
		return fmt.Errorf("%w: %q", ErrUnknownArm, id)
	}
	delete(b.arms, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.logger.Info("bandit arm removed", slog.String("arm", id))
	return nil
}

// Arm returns a copy of one arm.
func (b *Bandit) Arm(id string) (Arm, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	arm, ok := b.arms[id]
	if !ok {
		return Arm{}, fmt.Errorf("%w: %q", ErrUnknownArm, id)
	}
	return *arm, nil
}

// Arms returns copies of all arms in registration order.
func (b *Bandit) Arms() []Arm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Arm, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.arms[id])
	}
	return out
}

// SamplerName returns the active sampling strategy's name.
func (b *Bandit) SamplerName() string {
	return b.strategy.Name()
}

func (b *Bandit) insertLocked(arm *Arm) {
	b.arms[arm.ID] = arm
	b.order = append(b.order, arm.ID)
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

// ArmStats summarizes one arm.
type ArmStats struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	Pulls       int64     `json:"pulls"`
	SuccessRate float64   `json:"success_rate"`
	CILower     float64   `json:"ci_lower"`
	CIUpper     float64   `json:"ci_upper"`
	MeanReward  float64   `json:"mean_reward"`
	LastUpdated time.Time `json:"last_updated"`
}

// Stats summarizes the bandit.
type Stats struct {
	Arms                  []ArmStats `json:"arms"`
	BestArm               string     `json:"best_arm"`
	TotalSelections       int64      `json:"total_selections"`
	ExplorationSelections int64      `json:"exploration_selections"`
	TotalUpdates          int64      `json:"total_updates"`
	MinExplorationRate    float64    `json:"min_exploration_rate"`
	Sampler               string     `json:"sampler"`
}

// ObservedExplorationRate returns the fraction of selections that explored.
func (s Stats) ObservedExplorationRate() float64 {
	if s.TotalSelections == 0 {
		return 0
	}
	return float64(s.ExplorationSelections) / float64(s.TotalSelections)
}

// Stats returns per-arm success rates with approximate 95% intervals and
// the best arm by success rate.
//
// Thread Safety: Safe for concurrent use.
func (b *Bandit) Stats() Stats {
	arms := b.Arms()
	stats := Stats{
		Arms:                  make([]ArmStats, 0, len(arms)),
		TotalSelections:       b.totalSelections.Load(),
		ExplorationSelections: b.explorationSelections.Load(),
		TotalUpdates:          b.totalUpdates.Load(),
		MinExplorationRate:    b.explorationRate,
		Sampler:               b.strategy.Name(),
	}

	bestRate := -1.0
	for _, arm := range arms {
		mean, variance := betaMoments(arm.Alpha, arm.Beta)
		margin := z95 * math.Sqrt(variance)
		as := ArmStats{
			ID:          arm.ID,
			Name:        arm.Name,
			Alpha:       arm.Alpha,
			Beta:        arm.Beta,
			Pulls:       arm.Pulls,
			SuccessRate: mean,
			CILower:     clamp01(mean - margin),
			CIUpper:     clamp01(mean + margin),
			LastUpdated: arm.LastUpdated,
		}
		if arm.Pulls > 0 {
			as.MeanReward = arm.CumulativeReward / float64(arm.Pulls)
		}
		if mean > bestRate {
			bestRate = mean
			stats.BestArm = arm.ID
		}
		stats.Arms = append(stats.Arms, as)
	}
	return stats
}
