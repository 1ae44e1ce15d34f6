// Package router maps a classification category to its destination
// mailbox. The table is static for the process lifetime.
package router

import "strings"

// Router resolves destinations and applies the consolidation-bin override.
type Router struct {
	table            map[string]string // category → destination mailbox
	consolidationBin string
	policyServices   string
}

// New builds a router over the configured category table. consolidationBin
// is the polled shared mailbox; policyServices is the override destination
// used whenever a fallback would loop back into the bin.
func New(table map[string]string, consolidationBin, policyServices string) *Router {
	lowered := make(map[string]string, len(table))
	for k, v := range table {
		lowered[strings.ToLower(k)] = v
	}
	return &Router{
		table:            lowered,
		consolidationBin: strings.ToLower(consolidationBin),
		policyServices:   policyServices,
	}
}

// Route returns the destination mailbox for a category. An unknown
// category falls back to the original recipient, subject to the
// consolidation-bin override.
func (r *Router) Route(category, originalTo string) string {
	if dest, ok := r.table[strings.ToLower(strings.TrimSpace(category))]; ok && dest != "" {
		return dest
	}
	return r.Fallback(originalTo)
}

// Fallback resolves the destination for any path that re-targets the
// original recipient. If that recipient is the consolidation bin itself,
// forwarding there would loop, so the policy-services mailbox is used.
func (r *Router) Fallback(originalTo string) string {
	first := firstAddress(originalTo)
	if strings.EqualFold(strings.TrimSpace(first), r.consolidationBin) || strings.TrimSpace(first) == "" {
		return r.policyServices
	}
	return first
}

// firstAddress takes the first entry of a comma-joined recipient list.
func firstAddress(joined string) string {
	if idx := strings.Index(joined, ","); idx >= 0 {
		return strings.TrimSpace(joined[:idx])
	}
	return strings.TrimSpace(joined)
}
