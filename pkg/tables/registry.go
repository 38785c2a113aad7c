// Package tables assigns flow-table numbers to the apps of the switch
// pipeline.
package tables

import (
	"errors"
	"fmt"
	"sync"

	"github.com/codelaboratoryltd/checkquota/pkg/flows"
)

// App names of the pipeline.
const (
	AppIngress    = "ingress"
	AppARPD       = "arpd"
	AppCheckQuota = "check_quota"
	AppEgress     = "egress"
)

// DefaultApps is the pipeline order used by the binary.
var DefaultApps = []string{AppIngress, AppARPD, AppCheckQuota, AppEgress}

// Scratch tables live above the main pipeline and are never resubmitted to
// by the default flows of a main table.
const (
	ScratchTableStart flows.TableID = 201
	ScratchTableLimit flows.TableID = 254
)

var (
	// ErrUnknownApp is returned for an app not in the pipeline.
	ErrUnknownApp = errors.New("unknown app")

	// ErrLastTable is returned by NextTableNum for the last app.
	ErrLastTable = errors.New("no table after app")

	// ErrScratchExhausted is returned when the scratch range is used up.
	ErrScratchExhausted = errors.New("scratch tables exhausted")
)

// Registry maps app names to table numbers. Main tables are numbered in
// pipeline order starting at 0.
type Registry struct {
	mu          sync.Mutex
	apps        []string
	main        map[string]flows.TableID
	scratch     map[string][]flows.TableID
	nextScratch flows.TableID
}

// NewRegistry creates a registry for apps, given in pipeline order.
func NewRegistry(apps ...string) (*Registry, error) {
	if len(apps) == 0 {
		return nil, fmt.Errorf("no apps")
	}
	if len(apps) > int(ScratchTableStart) {
		return nil, fmt.Errorf("too many apps: %d", len(apps))
	}

	r := &Registry{
		apps:        append([]string(nil), apps...),
		main:        make(map[string]flows.TableID, len(apps)),
		scratch:     make(map[string][]flows.TableID),
		nextScratch: ScratchTableStart,
	}
	for i, app := range apps {
		if _, dup := r.main[app]; dup {
			return nil, fmt.Errorf("duplicate app %q", app)
		}
		r.main[app] = flows.TableID(i)
	}
	return r, nil
}

// TableNum returns the main table of app.
func (r *Registry) TableNum(app string) (flows.TableID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.main[app]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}
	return table, nil
}

// NextTableNum returns the main table that follows app in the pipeline.
func (r *Registry) NextTableNum(app string) (flows.TableID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table, ok := r.main[app]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}
	if int(table)+1 >= len(r.apps) {
		return 0, fmt.Errorf("%w: %s", ErrLastTable, app)
	}
	return table + 1, nil
}

// AllocateScratchTables reserves n scratch tables for app. Repeated calls
// return the tables allocated first, growing the set if n is larger.
func (r *Registry) AllocateScratchTables(app string, n int) ([]flows.TableID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.main[app]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}
	if n < 1 {
		return nil, fmt.Errorf("scratch table count must be positive, got %d", n)
	}

	tables := r.scratch[app]
	if need := n - len(tables); need > 0 && int(r.nextScratch)+need-1 > int(ScratchTableLimit) {
		return nil, fmt.Errorf("%w: %s wants %d", ErrScratchExhausted, app, n)
	}
	for len(tables) < n {
		tables = append(tables, r.nextScratch)
		r.nextScratch++
	}
	r.scratch[app] = tables

	out := make([]flows.TableID, n)
	copy(out, tables[:n])
	return out, nil
}

// Apps returns the pipeline order.
func (r *Registry) Apps() []string {
	return append([]string(nil), r.apps...)
}
