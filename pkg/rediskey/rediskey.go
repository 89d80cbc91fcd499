package rediskey

import "fmt"

const SequencePrefix = "seq"

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "seq:{prefix}:{tenantID}:{day}"
func BuildSequenceKey(prefix, tenantID, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s:%s", prefix, tenantID, day))
}
