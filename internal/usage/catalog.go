// Package usage tracks monthly per-tenant usage counters against the limits
// of the tenant's plan tier. The Catalog holds the plan tiers; the Ledger
// owns one record per tenant, persists it in batches and archives superseded
// periods to an append-only history.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"quotaengine/internal/models"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the range of plans file schema versions this build reads.
const SupportedSchema = "^1.0.0"

// PlanFile is the on-disk shape of the plans catalog.
//
//	schema_version: "1.0.0"
//	default_plan: free
//	plans:
//	  free:
//	    emails_sent: 100
//	    api_calls: 1000
//	  enterprise:
//	    emails_sent: -1
type PlanFile struct {
	SchemaVersion string                       `yaml:"schema_version" json:"schema_version"`
	DefaultPlan   string                       `yaml:"default_plan" json:"default_plan"`
	Plans         map[string]models.PlanLimits `yaml:"plans" json:"plans"`
}

// Validate checks the schema version, the limits and the default plan.
func (f *PlanFile) Validate() error {
	if f.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	version, err := semver.NewVersion(f.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", f.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	if !constraint.Check(version) {
		return fmt.Errorf("unsupported schema_version %s, want %s", f.SchemaVersion, SupportedSchema)
	}

	if len(f.Plans) == 0 {
		return fmt.Errorf("at least one plan is required")
	}
	for plan, limits := range f.Plans {
		for metric, limit := range limits {
			if limit < models.Unlimited {
				return fmt.Errorf("plan %s: limit for %s must be >= -1, got %d", plan, metric, limit)
			}
		}
	}

	if f.DefaultPlan == "" {
		return fmt.Errorf("default_plan is required")
	}
	if _, ok := f.Plans[f.DefaultPlan]; !ok {
		return fmt.Errorf("default plan %q is not defined", f.DefaultPlan)
	}
	return nil
}

// Catalog maps plan tiers to per-metric limits. Lookups read an immutable
// snapshot, so a reload never blocks a quota check.
type Catalog struct {
	path            string
	defaultOverride string
	current         atomic.Pointer[PlanFile]
}

// LoadCatalog reads the plans file at path. A non-empty defaultPlan
// overrides the file's default_plan.
func LoadCatalog(path, defaultPlan string) (*Catalog, error) {
	c := &Catalog{path: path, defaultOverride: defaultPlan}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewCatalog builds a catalog from an in-memory plan file. It cannot be
// reloaded or watched.
func NewCatalog(file PlanFile) (*Catalog, error) {
	file = clonePlanFile(file)
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plans: %w", err)
	}
	c := &Catalog{}
	c.current.Store(&file)
	return c, nil
}

// Reload re-reads the plans file. On any error the previous plans stay in
// effect.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no plans file")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read plans file %s: %w", c.path, err)
	}

	var file PlanFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse plans file %s: %w", c.path, err)
	}
	if c.defaultOverride != "" {
		file.DefaultPlan = c.defaultOverride
	}
	if err := file.Validate(); err != nil {
		return fmt.Errorf("invalid plans file %s: %w", c.path, err)
	}

	c.current.Store(&file)
	return nil
}

// Limits returns the limits of plan, or ErrUnknownPlan.
func (c *Catalog) Limits(plan string) (models.PlanLimits, error) {
	limits, ok := c.current.Load().Plans[plan]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPlan, plan)
	}
	return limits, nil
}

// Limit returns the ceiling of metric under plan. A metric the plan does not
// list has a limit of zero.
func (c *Catalog) Limit(plan, metric string) (int64, error) {
	limits, err := c.Limits(plan)
	if err != nil {
		return 0, err
	}
	return limits[metric], nil
}

// Has reports whether plan exists.
func (c *Catalog) Has(plan string) bool {
	_, ok := c.current.Load().Plans[plan]
	return ok
}

func (c *Catalog) DefaultPlan() string {
	return c.current.Load().DefaultPlan
}

func (c *Catalog) SchemaVersion() string {
	return c.current.Load().SchemaVersion
}

// Plans returns a copy of every plan.
func (c *Catalog) Plans() map[string]models.PlanLimits {
	return clonePlanFile(*c.current.Load()).Plans
}

// PlanNames returns the plan names in sorted order.
func (c *Catalog) PlanNames() []string {
	plans := c.current.Load().Plans
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch reloads the catalog whenever the plans file changes, until ctx is
// cancelled. The directory is watched rather than the file so that editors
// replacing the file by rename are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no plans file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	go c.watchLoop(ctx, watcher, filepath.Base(c.path))

	slog.Info("Watching plans file", "path", c.path)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, name string) {
	defer watcher.Close()

	// Coalesce the burst of events a single save produces.
	const debounceDelay = 100 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := c.Reload(); err != nil {
					slog.Error("Failed to reload plans, keeping previous catalog", "path", c.path, "error", err)
					return
				}
				slog.Info("Reloaded plans", "path", c.path, "plans", len(c.current.Load().Plans))
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Plans file watcher error", "error", err)
		}
	}
}

func clonePlanFile(f PlanFile) PlanFile {
	out := f
	out.Plans = make(map[string]models.PlanLimits, len(f.Plans))
	for name, limits := range f.Plans {
		copied := make(models.PlanLimits, len(limits))
		for metric, limit := range limits {
			copied[metric] = limit
		}
		out.Plans[name] = copied
	}
	return out
}
