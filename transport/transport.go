package transport

// Addr identifies an endpoint. It is satisfied by net.Addr.
type Addr interface {
	Network() string
	String() string
}
