package app_config

// DevConfig is the file-based configuration of the lattice-dev harness.
type DevConfig struct {
	LogLevel    string `json:"logLevel"`
	BindAddress string `json:"bindAddress"`
	WebPort     int    `json:"webPort"`

	BootstrapAddress string            `json:"bootstrapAddress"`
	RoutingContext   map[string]string `json:"routingContext"`

	MaxRoutingFailures int `json:"maxRoutingFailures"`
	RetryDelayMs       int `json:"retryDelayMs"`

	Readers []string `json:"readers"`
	Writers []string `json:"writers"`
	Routers []string `json:"routers"`
	TtlSecs int      `json:"ttlSecs"`
}
