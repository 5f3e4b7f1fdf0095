package registry

import (
	"fmt"
	"sync"
)

// StaticRegistry holds endpoints in memory. It serves fixed configurations and
// tests; Watch only reports changes made through this instance.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same Addr. ttl is ignored.
func (r *StaticRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	if instance.Addr == "" {
		return fmt.Errorf("registry: instance without addr")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[serviceName]
	for i := range list {
		if list[i].Addr == instance.Addr {
			list[i] = instance
			r.notify(serviceName)
			return nil
		}
	}
	r.services[serviceName] = append(list, instance)
	r.notify(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.services[serviceName]
	for i := range list {
		if list[i].Addr == addr {
			r.services[serviceName] = append(list[:i:i], list[i+1:]...)
			r.notify(serviceName)
			return nil
		}
	}
	return nil
}

func (r *StaticRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServiceInstance(nil), r.services[serviceName]...), nil
}

func (r *StaticRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// notify pushes the current list to watchers, dropping the update for a
// watcher whose previous update is still unread. Callers hold mu.
func (r *StaticRegistry) notify(serviceName string) {
	snapshot := append([]ServiceInstance(nil), r.services[serviceName]...)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
