package partition

import (
	"fmt"
	"strings"
)

type ServiceType string

const (
	ServiceRuleEngine ServiceType = "RULE_ENGINE"
	ServiceCore       ServiceType = "CORE"
)

// SystemTenant is the tenant of queues shared by every non-isolated tenant.
const SystemTenant = ""

// QueueKey identifies a logical queue stream. It is comparable and is used
// directly as a map key.
type QueueKey struct {
	Type      ServiceType
	QueueName string
	TenantID  string
}

func NewQueueKey(serviceType ServiceType, queueName, tenantID string) QueueKey {
	return QueueKey{Type: serviceType, QueueName: queueName, TenantID: tenantID}
}

// RuleEngineKey is a rule-engine queue key on the system tenant.
func RuleEngineKey(queueName string) QueueKey {
	return QueueKey{Type: ServiceRuleEngine, QueueName: queueName, TenantID: SystemTenant}
}

func (k QueueKey) IsSystem() bool {
	return k.TenantID == SystemTenant
}

func (k QueueKey) String() string {
	tenant := "system"
	if !k.IsSystem() {
		tenant = k.TenantID
	}
	return fmt.Sprintf("QK(%s,%s,%s)", k.QueueName, k.Type, tenant)
}

// Topic is the broker topic name for the key: <prefix>.<queue>[.<tenant>].
func (k QueueKey) Topic(prefix string) string {
	parts := make([]string, 0, 3)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, strings.ToLower(k.QueueName))
	if !k.IsSystem() {
		parts = append(parts, k.TenantID)
	}
	return strings.Join(parts, ".")
}
