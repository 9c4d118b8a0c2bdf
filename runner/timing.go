package runner

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Pipeline phases reported in the timing table.
const (
	PhaseBuild    = "build"
	PhaseUpload   = "upload"
	PhaseDispatch = "dispatch"
	PhaseReadBack = "read-back"
	PhaseVerify   = "verify"
)

// Timings accumulates wall-clock time per pipeline phase, in first-use order.
type Timings struct {
	mu     sync.Mutex
	order  []string
	totals map[string]time.Duration
	counts map[string]int
}

func NewTimings() *Timings {
	return &Timings{
		totals: make(map[string]time.Duration),
		counts: make(map[string]int),
	}
}

// Start begins timing phase and returns the function that stops it.
//
//	stop := t.Start(PhaseUpload)
//	... blocking transfers ...
//	stop()
func (t *Timings) Start(phase string) func() {
	begin := time.Now()
	return func() { t.Add(phase, time.Since(begin)) }
}

// Add records d against phase.
func (t *Timings) Add(phase string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.totals[phase]; !ok {
		t.order = append(t.order, phase)
	}
	t.totals[phase] += d
	t.counts[phase]++
}

// Get returns the accumulated time of phase.
func (t *Timings) Get(phase string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[phase]
}

// Phases lists the recorded phases in first-use order.
func (t *Timings) Phases() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}

// Report writes the timing table.
func (t *Timings) Report(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total time.Duration
	data := make([][]string, 0, len(t.order)+1)
	for _, phase := range t.order {
		d := t.totals[phase]
		total += d
		data = append(data, []string{phase, fmt.Sprint(t.counts[phase]), formatMillis(d)})
	}
	data = append(data, []string{"total", "", formatMillis(total)})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"PHASE", "CALLS", "TIME (ms)"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}
