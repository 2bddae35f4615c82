//go:build !linux

package proxy

import (
	"context"
	"errors"
	"net"
)

func listenTransparent(context.Context, string) (net.Listener, error) {
	return nil, errors.New("tproxy inbounds are only supported on linux")
}
