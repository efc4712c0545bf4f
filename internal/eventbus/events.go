package eventbus

// Event types published by the sign-in engine and consumed by
// the site database and networking layers.
const (
	// EventSiteRefresh asks the site database to re-acquire credentials
	// for one site whose cookie no longer authenticates.
	EventSiteRefresh = "site.refresh"

	// EventNetworkReselect signals that too many sites keep failing and a
	// different network path (proxy endpoint) should be tried.
	EventNetworkReselect = "network.reselect"

	// EventRunStarted / EventRunFinished bracket one batch run.
	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"
)

// SiteRefreshData is the payload of EventSiteRefresh.
type SiteRefreshData struct {
	SiteID   int64  `json:"site_id"`
	SiteName string `json:"site_name"`
}

// NetworkReselectData is the payload of EventNetworkReselect.
type NetworkReselectData struct {
	RetryCount int `json:"retry_count"`
}

// RunData is the payload of the run lifecycle events.
type RunData struct {
	Type     string `json:"type"` // "signin" or "login"
	Sites    int    `json:"sites"`
	Manual   bool   `json:"manual"`
	Duration int64  `json:"duration_ms,omitempty"`
}
