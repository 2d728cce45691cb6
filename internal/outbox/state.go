package outbox

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// GenerateIdempotencyKey derives a stable client order id for one intent of
// one instance within a minute.
func GenerateIdempotencyKey(instanceKey, intent string, timestamp time.Time) string {
	data := fmt.Sprintf("%s-%s-%d", instanceKey, intent, timestamp.Truncate(time.Minute).Unix())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
