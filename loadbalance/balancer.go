// Package loadbalance picks one control endpoint among the daemon hosts
// announced in the registry.
//
// Three strategies are implemented:
//   - RoundRobin:      spread independent test runs evenly
//   - WeightedRandom:  favour larger daemon hosts
//   - ConsistentHash:  pin one client name to the same daemon
package loadbalance

import (
	"errors"
	"fmt"

	"birdrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects a target instance. Pick must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name. key feeds the consistent
// hash strategy and is ignored by the others.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

// Resolve discovers the instances of service and returns the address of the
// one chosen by b.
func Resolve(reg registry.Registry, b Balancer, service string) (string, error) {
	instances, err := reg.Discover(service)
	if err != nil {
		return "", fmt.Errorf("discover %s: %w", service, err)
	}
	inst, err := b.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("pick %s instance: %w", service, err)
	}
	return inst.Addr, nil
}
