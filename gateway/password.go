package gateway

import (
	"encoding/base64"
	"time"
)

// The gateway expects timestamps in East Africa Time, which has no DST.
var eat = time.FixedZone("EAT", 3*60*60)

const timestampLayout = "20060102150405"

// Timestamp formats t as YYYYMMDDHHmmss in the gateway's timezone.
func Timestamp(t time.Time) string {
	return t.In(eat).Format(timestampLayout)
}

// Password is base64(shortcode + passkey + timestamp). Calls within the same second
// produce the same password.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}
