package cel

// FilterExpressionExamples are served by the admin API as a starting point
// for script filter nodes.
var FilterExpressionExamples = map[string]string{
	"telemetry_only":       `type == "POST_TELEMETRY_REQUEST"`,
	"numeric_greater_than": `payload.temperature > 30`,
	"range_check":          `payload.humidity >= 20.0 && payload.humidity <= 80.0`,
	"string_contains":      `payload.status.contains("alarm")`,
	"in_list":              `payload.status in ["ACTIVE", "PENDING"]`,
	"metadata_value":       `metadata.deviceType == "thermostat"`,
	"has_field":            `has(payload.battery) && payload.battery < 15`,
	"originator_type":      `originator.type == "DEVICE"`,
	"tenant_scoped":        `tenant_id == "tenant-a" && payload.temperature > 0`,
	"complex_logic":        `(payload.status == "ACTIVE" || payload.status == "PENDING") && payload.temperature > 25.5`,
}
