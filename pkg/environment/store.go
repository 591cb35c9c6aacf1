package environment

import "strings"

// Store is the storefront environment a transaction was issued in.
type Store string

const (
	StoreSandbox    Store = "Sandbox"
	StoreProduction Store = "Production"
)

// ParseStore accepts the spellings used by verifyReceipt ("Sandbox",
// "Production") and by signed transactions ("Sandbox", "Production",
// "Xcode"). Xcode local testing is reported as sandbox.
func ParseStore(s string) (Store, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sandbox", "xcode":
		return StoreSandbox, true
	case "production", "prod":
		return StoreProduction, true
	default:
		return "", false
	}
}
