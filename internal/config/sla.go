package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// SLAPolicy maps ticket priority to the resolution window.
type SLAPolicy map[model.TicketPriority]time.Duration

// DefaultSLAPolicy applies to tenants without an override.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		model.PriorityUrgent: time.Hour,
		model.PriorityHigh:   4 * time.Hour,
		model.PriorityMedium: 8 * time.Hour,
		model.PriorityLow:    24 * time.Hour,
	}
}

// SLAPolicies is the parsed policy file.
//
//	default:
//	  urgent: 30m
//	tenants:
//	  acme:
//	    high: 2h
//
// Priorities missing from a tenant entry fall back to default, then to
// DefaultSLAPolicy.
type SLAPolicies struct {
	Default SLAPolicy            `yaml:"default"`
	Tenants map[string]SLAPolicy `yaml:"tenants"`
}

type slaFile struct {
	Default map[string]string            `yaml:"default"`
	Tenants map[string]map[string]string `yaml:"tenants"`
}

// LoadSLAPolicies reads path. An empty path yields the built-in defaults.
func LoadSLAPolicies(path string) (*SLAPolicies, error) {
	if path == "" {
		return &SLAPolicies{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read SLA policy file: %w", err)
	}
	return ParseSLAPolicies(raw)
}

// ParseSLAPolicies decodes a YAML policy document.
func ParseSLAPolicies(raw []byte) (*SLAPolicies, error) {
	var f slaFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse SLA policy: %w", err)
	}
	out := &SLAPolicies{Tenants: make(map[string]SLAPolicy)}
	def, err := decodePolicy(f.Default)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}
	out.Default = def
	for tenant, p := range f.Tenants {
		decoded, err := decodePolicy(p)
		if err != nil {
			return nil, fmt.Errorf("tenant %s policy: %w", tenant, err)
		}
		out.Tenants[tenant] = decoded
	}
	return out, nil
}

func decodePolicy(in map[string]string) (SLAPolicy, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(SLAPolicy, len(in))
	for k, v := range in {
		p := model.TicketPriority(k)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown priority %q", k)
		}
		d, err := model.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("priority %s: %w", k, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("priority %s: window must be positive", k)
		}
		out[p] = d
	}
	return out, nil
}

// PolicyFor resolves the effective policy for tenantID.
func (p *SLAPolicies) PolicyFor(tenantID string) SLAPolicy {
	out := DefaultSLAPolicy()
	if p == nil {
		return out
	}
	for k, v := range p.Default {
		out[k] = v
	}
	for k, v := range p.Tenants[tenantID] {
		out[k] = v
	}
	return out
}
