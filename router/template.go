package router

import (
	"regexp"
	"strings"
	"time"

	"github.com/chronosdb/chronos"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.-]+)\}`)

// renderTemplate substitutes {placeholder} occurrences from vars. An
// undefined placeholder is a fatal resolution error.
func renderTemplate(tpl string, vars map[string]string) (string, error) {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", chronos.Errorf(chronos.ErrValidation, "template %q references undefined placeholder %q", tpl, missing)
	}
	return out, nil
}

// templateVars assembles the substitution set for a tenant template:
// the built-ins {tenantId} {tier} {timestamp} {env} {region} plus the
// template's meta keys, overridable by the context's tenantMeta.
func templateVars(ctx chronos.RouteContext, tier string, region string, env string, tpl chronos.TenantTemplate) map[string]string {
	vars := map[string]string{
		"tenantId":  ctx.TenantID,
		"tier":      tier,
		"timestamp": time.Now().UTC().Format("20060102"),
		"env":       env,
		"region":    region,
	}
	for k, v := range tpl.Meta {
		vars[k] = v
	}
	for k, v := range ctx.TenantMeta {
		vars[k] = v
	}
	return vars
}

// validateTenantID applies the configured tenant id rules.
func validateTenantID(id string, rules chronos.TenantIDValidation) error {
	if id == "" {
		return chronos.Errorf(chronos.ErrValidation, "tenant id is empty")
	}
	if rules.MinLength > 0 && len(id) < rules.MinLength {
		return chronos.Errorf(chronos.ErrValidation, "tenant id %q shorter than %d", id, rules.MinLength)
	}
	if rules.MaxLength > 0 && len(id) > rules.MaxLength {
		return chronos.Errorf(chronos.ErrValidation, "tenant id %q longer than %d", id, rules.MaxLength)
	}
	if rules.AllowedChars != "" {
		for _, r := range id {
			if !strings.ContainsRune(rules.AllowedChars, r) {
				return chronos.Errorf(chronos.ErrValidation, "tenant id %q contains disallowed character %q", id, r)
			}
		}
	}
	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		if err != nil {
			return chronos.Errorf(chronos.ErrConfig, "tenant id pattern, details: %v", err)
		}
		if !re.MatchString(id) {
			return chronos.Errorf(chronos.ErrValidation, "tenant id %q does not match pattern", id)
		}
	}
	return nil
}
