package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Push sends the default registry to a Prometheus Pushgateway.
// Used by one-shot archive passes that exit before any scrape.
func Push(url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
