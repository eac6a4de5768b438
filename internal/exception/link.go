package exception

import "fmt"

// moduleRoutes maps known producer module keys to their UI base routes.
// Producers not registered here still get a usable generic route.
var moduleRoutes = map[string]string{
	"integrations": "/integrations",
	"ledger":       "/ledger",
	"documents":    "/documents",
	"pricing":      "/pricing",
	"approvals":    "/approvals",
	"vendors":      "/vendors",
	"security":     "/security",
}

// BuildLinkURL builds a best-effort deep link back to the producing record.
// It never fails: unknown module keys degrade to a generic /module-{key}
// route so the UI always has something to render. The collection and id
// segments are appended only when both are present.
func BuildLinkURL(moduleKey, collection, id string) string {
	base, ok := moduleRoutes[moduleKey]
	if !ok {
		base = fmt.Sprintf("/module-%s", moduleKey)
	}
	if collection != "" && id != "" {
		return fmt.Sprintf("%s/%s/%s", base, collection, id)
	}
	return base
}
