package clientportal

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://localhost:5000/v1/api"
	defaultHTTPTimeout    = 10 * time.Second
	defaultTickleInterval = time.Minute
	defaultTradeDays      = 7
	wsReadLimit           = 1 << 20
	wsWriteTimeout        = 5 * time.Second
	maxReplyConfirmations = 5
)

// Options configures the gateway client.
type Options struct {
	// BaseURL is the gateway REST root, e.g. https://localhost:5000/v1/api.
	BaseURL string
	// WebsocketURL defaults to BaseURL with a ws scheme and a /ws suffix.
	WebsocketURL string
	// Header is sent with every REST request and the websocket handshake. The
	// gateway session cookie belongs here when the gateway runs remotely.
	Header http.Header
	// InsecureSkipVerify accepts the gateway's self-signed certificate.
	InsecureSkipVerify bool
	HTTPTimeout        time.Duration
	TickleInterval     time.Duration
	// HTTPClient overrides the client built from the options above.
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

func (o Options) withDefaults() Options {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(o.WebsocketURL) == "" {
		o.WebsocketURL = websocketURL(o.BaseURL)
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.TickleInterval <= 0 {
		o.TickleInterval = defaultTickleInterval
	}
	if o.HTTPClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if o.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local gateway certificate
		}
		o.HTTPClient = &http.Client{Transport: transport, Timeout: o.HTTPTimeout}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
