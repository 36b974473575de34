package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithServiceName(ctx, "rule-engine")
	ctx = WithTenantID(ctx, "tenant-1")
	ctx = WithMessageID(ctx, "msg-1")
	ctx = WithRuleNodeID(ctx, "node-1")

	assert.Equal(t, []interface{}{
		MessageIDKey, "msg-1",
		TenantIDKey, "tenant-1",
		RuleNodeIDKey, "node-1",
		ServiceNameKey, "rule-engine",
	}, GetLogFields(ctx))
}

func TestContextKeysDoNotCollideWithPlainStrings(t *testing.T) {
	ctx := context.WithValue(context.Background(), "tenant_id", "plain")
	assert.Equal(t, "", GetTenantID(ctx))
}
