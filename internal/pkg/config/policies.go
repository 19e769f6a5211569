package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"karmaguard/internal/pkg/gate"
)

type policyEntry struct {
	Repost           string   `mapstructure:"repost"`
	Scam             string   `mapstructure:"scam"`
	CommentThreshold *float64 `mapstructure:"comment_threshold"`
	ReportThreshold  *float64 `mapstructure:"report_threshold"`
	MaxActions       *int     `mapstructure:"max_actions"`
	Window           string   `mapstructure:"window"`
}

// Reads per-subreddit moderation policies from a YAML file. The file is read
// fresh on every call so edits apply on the next cycle. A missing file means
// no subreddit has opted in.
//
//	subreddits:
//	  pics:
//	    repost: active
//	    scam: log_only
//	    comment_threshold: 0.8
//	    report_threshold: 0.95
//	    max_actions: 5
//	    window: 1h
func LoadPolicies(path string) (map[string]gate.Policy, error) {
	policies := make(map[string]gate.Policy)
	if path == "" {
		return policies, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return policies, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read policies: %w", err)
	}

	var entries map[string]policyEntry
	if err := v.UnmarshalKey("subreddits", &entries); err != nil {
		return nil, fmt.Errorf("failed to decode policies: %w", err)
	}

	for name, entry := range entries {
		policy, err := entry.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("subreddit %q: %w", name, err)
		}
		policies[strings.ToLower(name)] = policy
	}
	return policies, nil
}

func (e policyEntry) toPolicy() (gate.Policy, error) {
	p := gate.DefaultPolicy()

	var err error
	if p.Repost, err = gate.ParseLevel(e.Repost); err != nil {
		return p, err
	}
	if p.Scam, err = gate.ParseLevel(e.Scam); err != nil {
		return p, err
	}
	if e.CommentThreshold != nil {
		p.CommentThreshold = *e.CommentThreshold
	}
	if e.ReportThreshold != nil {
		p.ReportThreshold = *e.ReportThreshold
	}
	if p.CommentThreshold < 0 || p.CommentThreshold > 1 || p.ReportThreshold < 0 || p.ReportThreshold > 1 {
		return p, fmt.Errorf("thresholds must be within [0,1]")
	}
	if e.MaxActions != nil {
		p.MaxActions = *e.MaxActions
	}
	if e.Window != "" {
		if p.Window, err = time.ParseDuration(e.Window); err != nil {
			return p, fmt.Errorf("invalid window: %w", err)
		}
	}
	return p, nil
}
