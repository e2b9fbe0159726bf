// Package squad loads and watches the squad configuration: who is in each
// squad, which escalation chains apply per category, and the SLAs that drive
// escalation timing.
package squad

import (
	"errors"
	"fmt"
	"time"

	"github.com/crewline/relay/core/routing"
)

var (
	// ErrUnknownBusKind indicates an unsupported bus.kind value.
	ErrUnknownBusKind = errors.New("squad: unknown bus kind")

	// ErrNoSquads indicates an empty squads list.
	ErrNoSquads = errors.New("squad: no squads configured")
)

// Config is the root configuration document.
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	History   HistoryConfig   `yaml:"history"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Responder ResponderConfig `yaml:"responder"`
	Squads    []SquadConfig   `yaml:"squads"`
}

// BusConfig selects and sizes the message bus.
type BusConfig struct {
	// Kind names the bus implementation. Only "inbox" is supported.
	Kind string `yaml:"kind"`

	// Capacity is the per-subscription inbox size.
	Capacity int `yaml:"capacity"`
}

// HistoryConfig locates the message log.
type HistoryConfig struct {
	// Path to the sqlite database. Empty means in-memory.
	Path string `yaml:"path"`

	// IndexPath to the content search index. Empty means in-memory.
	IndexPath string `yaml:"index_path"`

	// DisableSearch turns off content indexing entirely.
	DisableSearch bool `yaml:"disable_search"`
}

// MonitorConfig tunes the escalation scanner.
type MonitorConfig struct {
	// Interval between scans, as a duration string such as "15s".
	Interval string `yaml:"interval"`
}

// ResponderConfig selects the auto-response provider.
type ResponderConfig struct {
	// Provider is one of "anthropic", "openai", "scripted", or "" (off).
	Provider string `yaml:"provider"`

	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds a single response attempt, as a duration string.
	Timeout string `yaml:"timeout"`
}

// SquadConfig describes one squad.
type SquadConfig struct {
	ID           string              `yaml:"id"`
	Participants []ParticipantConfig `yaml:"participants"`
	Rules        []RuleConfig        `yaml:"rules"`

	// SLAs are per-level response windows, as duration strings. Index 0
	// applies to the first responder, index 1 after one escalation, and
	// the last entry repeats for deeper levels.
	SLAs []string `yaml:"slas"`
}

// ParticipantConfig describes one squad member.
type ParticipantConfig struct {
	AgentID     string `yaml:"agent_id"`
	Role        string `yaml:"role"`
	AutoRespond bool   `yaml:"auto_respond"`
}

// RuleConfig maps an asker role and question category to an escalation chain.
type RuleConfig struct {
	Role     string   `yaml:"role"`
	Category string   `yaml:"category"`
	Chain    []string `yaml:"chain"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Kind:     "inbox",
			Capacity: 1000,
		},
		Monitor: MonitorConfig{
			Interval: "15s",
		},
	}
}

// Validate checks the document for structural errors.
func (c *Config) Validate() error {
	if c.Bus.Kind != "" && c.Bus.Kind != "inbox" {
		return fmt.Errorf("%w: %q", ErrUnknownBusKind, c.Bus.Kind)
	}
	if c.Bus.Capacity < 0 {
		return fmt.Errorf("squad: negative bus capacity %d", c.Bus.Capacity)
	}

	if c.Monitor.Interval != "" {
		if _, err := time.ParseDuration(c.Monitor.Interval); err != nil {
			return fmt.Errorf("squad: monitor interval: %w", err)
		}
	}
	if c.Responder.Timeout != "" {
		if _, err := time.ParseDuration(c.Responder.Timeout); err != nil {
			return fmt.Errorf("squad: responder timeout: %w", err)
		}
	}

	seen := make(map[string]bool, len(c.Squads))
	for _, sq := range c.Squads {
		if sq.ID == "" {
			return errors.New("squad: squad with empty id")
		}
		if seen[sq.ID] {
			return fmt.Errorf("squad: duplicate squad id %q", sq.ID)
		}
		seen[sq.ID] = true

		agents := make(map[string]bool, len(sq.Participants))
		for _, p := range sq.Participants {
			if p.AgentID == "" || p.Role == "" {
				return fmt.Errorf("squad %s: participant needs agent_id and role", sq.ID)
			}
			if agents[p.AgentID] {
				return fmt.Errorf("squad %s: duplicate agent %q", sq.ID, p.AgentID)
			}
			agents[p.AgentID] = true
		}

		for i, r := range sq.Rules {
			if r.Role == "" {
				return fmt.Errorf("squad %s: rule %d has no role", sq.ID, i)
			}
			if len(r.Chain) == 0 {
				return fmt.Errorf("squad %s: rule %d has an empty chain", sq.ID, i)
			}
		}

		if _, err := sq.parseSLAs(); err != nil {
			return err
		}
	}

	return nil
}

// MonitorInterval returns the parsed scan interval, or zero when unset.
func (c *Config) MonitorInterval() time.Duration {
	if c.Monitor.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Monitor.Interval)
	if err != nil {
		return 0
	}
	return d
}

// ResponderTimeout returns the parsed attempt timeout, or zero when unset.
func (c *Config) ResponderTimeout() time.Duration {
	if c.Responder.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Responder.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Routing converts the squad section into compiled routing rules.
func (s *SquadConfig) Routing() (*routing.SquadRules, error) {
	slas, err := s.parseSLAs()
	if err != nil {
		return nil, err
	}

	rules := make([]routing.Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		rules = append(rules, routing.Rule{
			Role:     r.Role,
			Category: r.Category,
			Chain:    append([]string(nil), r.Chain...),
		})
	}

	sq := &routing.SquadRules{
		SquadID: s.ID,
		Rules:   rules,
		SLAs:    slas,
	}
	if err := sq.Compile(); err != nil {
		return nil, fmt.Errorf("squad %s: %w", s.ID, err)
	}
	return sq, nil
}

func (s *SquadConfig) parseSLAs() ([]time.Duration, error) {
	slas := make([]time.Duration, 0, len(s.SLAs))
	for i, raw := range s.SLAs {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("squad %s: sla %d: %w", s.ID, i, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("squad %s: sla %d must be positive", s.ID, i)
		}
		slas = append(slas, d)
	}
	return slas, nil
}
