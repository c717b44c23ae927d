package report

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteText dumps every metric family in the Prometheus text format. Used for
// the final summary when no metrics endpoint is configured.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// CrashesJSON exports recent crashes, newest first
func CrashesJSON(c *CrashLog, n int) ([]byte, error) {
	crashes := c.GetRecent(n)
	return json.MarshalIndent(crashes, "", "  ")
}
