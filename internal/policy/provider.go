package policy

import (
	"context"

	"wallet_ledger/internal/config"
	"wallet_ledger/internal/models"
)

const wildcard = "*"

// StaticProvider resolves limits from configuration loaded at startup.
type StaticProvider struct {
	cfg config.PolicyConfig
}

func NewStaticProvider(cfg config.PolicyConfig) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

// Resolve picks the most specific rule: (tenant, currency), (tenant, *),
// (*, currency), then the default.
func (p *StaticProvider) Resolve(_ context.Context, tenantID, currency string) (models.Policy, error) {
	for _, key := range []string{
		config.PolicyKey(tenantID, currency),
		config.PolicyKey(tenantID, wildcard),
		config.PolicyKey(wildcard, currency),
	} {
		if rule, ok := p.cfg.Overrides[key]; ok {
			return toPolicy(rule), nil
		}
	}
	return toPolicy(p.cfg.Default), nil
}

func toPolicy(rule config.PolicyRule) models.Policy {
	return models.Policy{
		AllowNegative: rule.AllowNegative,
		DailyDebitCap: rule.DailyDebitCap,
	}
}
