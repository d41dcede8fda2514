package firewall

import (
	"sync"
	"time"

	"github.com/micrictor/appwall/internal/metrics"
)

const DefaultDiagnosticsSize = 100

type Report struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Diagnostics keeps the most recent error reports.
type Diagnostics struct {
	mu      sync.Mutex
	size    int
	reports []Report
}

func NewDiagnostics(size int) *Diagnostics {
	if size <= 0 {
		size = DefaultDiagnosticsSize
	}
	return &Diagnostics{size: size}
}

// For returns a reporter that tags reports with component.
func (d *Diagnostics) For(component string) *ComponentReporter {
	return &ComponentReporter{d: d, component: component}
}

func (d *Diagnostics) add(component, msg string, err error) {
	r := Report{Time: time.Now(), Component: component, Message: msg}
	if err != nil {
		r.Error = err.Error()
	}
	metrics.ErrorsTotal.WithLabelValues(component).Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.reports) == d.size {
		copy(d.reports, d.reports[1:])
		d.reports = d.reports[:d.size-1]
	}
	d.reports = append(d.reports, r)
}

// Reports returns the retained reports, oldest first.
func (d *Diagnostics) Reports() []Report {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Report(nil), d.reports...)
}

func (d *Diagnostics) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reports)
}

type ComponentReporter struct {
	d         *Diagnostics
	component string
}

func (c *ComponentReporter) ReportError(msg string, err error) {
	c.d.add(c.component, msg, err)
}
