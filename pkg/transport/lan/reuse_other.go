//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package lan

import "net"

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
