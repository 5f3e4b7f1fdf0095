// Package registry locates routing-daemon control endpoints.
//
// A daemon host announces its control endpoint under a service name; clients
// discover the live endpoints and pick one with a loadbalance strategy.
package registry

// ServiceInstance is one announced control endpoint.
type ServiceInstance struct {
	Addr    string `json:"addr"` // transport endpoint, e.g. tcp://10.0.0.5:4509
	Weight  int    `json:"weight"`
	Version string `json:"version"` // client version the server accepts
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
