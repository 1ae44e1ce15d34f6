package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	bin    = "info@brightsure.example"
	policy = "policyservices@brightsure.example"
)

func testTable() map[string]string {
	return map[string]string{
		"amendments": "amendments@brightsure.example",
		"claims":     "claims@brightsure.example",
		"Assist":     "assist@brightsure.example",
	}
}

func TestRouteKnownCategory(t *testing.T) {
	r := New(testTable(), bin, policy)

	assert.Equal(t, "claims@brightsure.example", r.Route("claims", bin))
	assert.Equal(t, "claims@brightsure.example", r.Route("  Claims ", bin))
	// Table keys are matched case-insensitively regardless of config casing.
	assert.Equal(t, "assist@brightsure.example", r.Route("assist", bin))
}

func TestRouteUnknownCategoryFallsBack(t *testing.T) {
	r := New(testTable(), bin, policy)

	assert.Equal(t, "claims@brightsure.example", r.Route("nonsense", "claims@brightsure.example"))
}

func TestFallbackRewritesConsolidationBin(t *testing.T) {
	r := New(testTable(), bin, policy)

	// Falling back to the polled mailbox would loop the message.
	assert.Equal(t, policy, r.Fallback(bin))
	assert.Equal(t, policy, r.Fallback("INFO@brightsure.example"))
	assert.Equal(t, policy, r.Fallback(""))
}

func TestFallbackUsesFirstRecipient(t *testing.T) {
	r := New(testTable(), bin, policy)

	got := r.Fallback("claims@brightsure.example, other@brightsure.example")
	assert.Equal(t, "claims@brightsure.example", got)
}

func TestRouteOmittedDepartmentFallsBack(t *testing.T) {
	// A department without a configured mailbox is absent from the table.
	r := New(map[string]string{"claims": "claims@brightsure.example"}, bin, policy)

	assert.Equal(t, policy, r.Route("retentions", bin))
}
