package registry

import (
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/transport"
)

// Decision is an Authorizer's answer to a connection awaiting acceptance
type Decision int

const (
	Accept Decision = iota
	Reject
	// Defer leaves the endpoint pending until ConfirmConnection is called
	Defer
)

// Authorizer decides whether to accept a connection once both sides see the auth digits
type Authorizer interface {
	Authorize(endpoint models.Endpoint, info transport.ConnectionInfo) Decision
}

// AuthorizerFunc adapts a function to Authorizer
type AuthorizerFunc func(models.Endpoint, transport.ConnectionInfo) Decision

func (f AuthorizerFunc) Authorize(e models.Endpoint, info transport.ConnectionInfo) Decision {
	return f(e, info)
}

// AutoAccept accepts every connection
var AutoAccept Authorizer = AuthorizerFunc(func(models.Endpoint, transport.ConnectionInfo) Decision {
	return Accept
})

// Manual defers every connection to an operator
var Manual Authorizer = AuthorizerFunc(func(models.Endpoint, transport.ConnectionInfo) Decision {
	return Defer
})
