package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// register adds c to reg. A collector already registered under the same
// descriptor is returned instead, so repeated construction against one
// registry shares series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		var zero T
		return zero, fmt.Errorf("register %s: %w", name, err)
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("collector %s already registered with a different type", name)
	}
	return existing, nil
}
