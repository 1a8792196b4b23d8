package instance

import "os"

// ID identifies this process among workers of the same kind: LEDGER_INSTANCE_ID,
// then the hostname.
func ID() string {
	if id := os.Getenv("LEDGER_INSTANCE_ID"); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-0"
}
