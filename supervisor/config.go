package supervisor

import "time"

// Config holds the supervisor's timing
type Config struct {
	// ConnectTimeout bounds one connection attempt
	ConnectTimeout time.Duration
	// BringUpTimeout bounds MTU negotiation plus service discovery
	BringUpTimeout time.Duration
	// RetryDelay is the fixed pause between attempts
	RetryDelay time.Duration
	// MTU is requested after connecting
	MTU int

	BatteryTimeout time.Duration
	ANCSTimeout    time.Duration
	AMSTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: time.Minute,
		BringUpTimeout: 10 * time.Second,
		RetryDelay:     10 * time.Second,
		MTU:            512,
		BatteryTimeout: 2 * time.Second,
		ANCSTimeout:    5 * time.Second,
		AMSTimeout:     2 * time.Second,
	}
}
