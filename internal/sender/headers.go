package sender

// Outbound request headers. Endpoint-declared custom headers may
// override any of these, including the content type.
const (
	HeaderContentType = "Content-Type"
	HeaderUserAgent   = "User-Agent"
	HeaderEventID     = "X-Redmine-Event-ID"
	HeaderEvent       = "X-Redmine-Event"
	HeaderAPIKey      = "X-Redmine-API-Key"
	HeaderDelivery    = "X-Redmine-Delivery"

	contentTypeJSON  = "application/json; charset=utf-8"
	defaultUserAgent = "RedmineWebhook/1.0"
)

// HeaderParams collects everything that goes into one request's headers.
type HeaderParams struct {
	EventID    string
	EventType  string
	Action     string
	APIKey     string
	DeliveryID string
	UserAgent  string
	Custom     map[string]string
}

// BuildHeaders assembles the outbound header set. Optional headers are
// added only when their value is non-empty; custom headers are merged
// last and win.
func BuildHeaders(p HeaderParams) map[string]string {
	ua := p.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	headers := map[string]string{
		HeaderContentType: contentTypeJSON,
		HeaderUserAgent:   ua,
		HeaderEventID:     p.EventID,
		HeaderEvent:       p.EventType + "." + p.Action,
	}
	if p.APIKey != "" {
		headers[HeaderAPIKey] = p.APIKey
	}
	if p.DeliveryID != "" {
		headers[HeaderDelivery] = p.DeliveryID
	}
	for k, v := range p.Custom {
		headers[k] = v
	}
	return headers
}
