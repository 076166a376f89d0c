package readercache

import (
	"errors"
	"net"
	"net/http"
	"time"
)

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	// Accept TCP connection
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}

	// Configure connection
	if err := tc.SetKeepAlive(true); err != nil {
		return nil, err
	}
	if err := tc.SetKeepAlivePeriod(1 * time.Minute); err != nil {
		return nil, err
	}

	// Return connection
	return tc, nil
}

// listen binds addr on IPv4 only and returns the server that will serve handler on it
func listen(addr string, handler http.Handler) (*http.Server, net.Listener, error) {
	if addr == "" {
		return nil, nil, errors.New("invalid address string")
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	// Listen to only IPv4 interfaces
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, nil, err
	}

	return server, tcpKeepAliveListener{ln.(*net.TCPListener)}, nil
}
