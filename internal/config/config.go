package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL"`

	Database Database `envPrefix:"DATABASE_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Auth     Auth     `envPrefix:"AUTH_"`
	Stripe   Stripe   `envPrefix:"STRIPE_"`
	Square   Square   `envPrefix:"SQUARE_"`
	Kofi     Kofi     `envPrefix:"KOFI_"`
	Checkout Checkout `envPrefix:"CHECKOUT_"`
	Sweep    Sweep    `envPrefix:"SWEEP_"`
}

type Database struct {
	Driver string `env:"DRIVER" envDefault:"postgres"` // postgres, mysql or sqlite
	URL    string `env:"URL"`
}

type Redis struct {
	URL string `env:"URL"` // optional; empty disables the sweep lock and supporters cache
}

type Auth struct {
	JWTSecret string `env:"JWT_SECRET"`
}

type Stripe struct {
	SecretKey     string `env:"SECRET_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	APIURL        string `env:"API_URL"` // override for stripe-mock
}

type Square struct {
	AccessToken         string `env:"ACCESS_TOKEN"`
	WebhookSignatureKey string `env:"WEBHOOK_SIGNATURE_KEY"`
	WebhookURL          string `env:"WEBHOOK_URL"`
	LocationID          string `env:"LOCATION_ID"`
	BaseApiURL          string `env:"BASE_API_URL" envDefault:"https://connect.squareup.com"`
	APIVersion          string `env:"API_VERSION" envDefault:"2024-07-17"`
}

type Kofi struct {
	VerificationToken string `env:"VERIFICATION_TOKEN"`
}

type Checkout struct {
	SuccessURL string        `env:"SUCCESS_URL"`
	CancelURL  string        `env:"CANCEL_URL"`
	IntentTTL  time.Duration `env:"INTENT_TTL" envDefault:"24h"`
}

type Sweep struct {
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"4"`
	Schedule    string        `env:"SCHEDULE" envDefault:"@every 1h"`
	Lookback    time.Duration `env:"LOOKBACK" envDefault:"72h"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
