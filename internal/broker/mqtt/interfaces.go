package mqtt

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ClientFactory builds a paho client from options
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// wait blocks until the token completes or ctx expires
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
