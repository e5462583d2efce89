package reliability

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Metric names understood by formulas.
const (
	MetricAccuracy   = "accuracy"
	MetricTimeliness = "timeliness"
)

//go:embed formulas.yaml
var builtinFormulas []byte

// Formula is a named, versioned weight set. Formulas are values and never change once registered.
type Formula struct {
	Name          string             `yaml:"name" json:"name"`
	Version       int                `yaml:"version" json:"version"`
	Description   string             `yaml:"description" json:"description,omitempty"`
	Weights       map[string]float64 `yaml:"weights" json:"weights"`
	DefaultValues map[string]float64 `yaml:"default_values" json:"default_values"`
}

// ID returns the name@vN identifier of the formula.
func (f Formula) ID() string {
	return fmt.Sprintf("%s@v%d", f.Name, f.Version)
}

// Score computes Σ weight_m × metric_m, substituting the default for undefined metrics.
// A metric with neither a value nor a default contributes nothing.
func (f Formula) Score(values map[string]*float64) float64 {
	names := make([]string, 0, len(f.Weights))
	for name := range f.Weights {
		names = append(names, name)
	}
	// Fixed summation order keeps the result bit-for-bit deterministic.
	sort.Strings(names)

	var score float64
	for _, name := range names {
		weight := f.Weights[name]
		if v, ok := values[name]; ok && v != nil {
			score += weight * *v
			continue
		}
		if d, ok := f.DefaultValues[name]; ok {
			score += weight * d
		}
	}
	return score
}

func (f Formula) validate() error {
	if f.Name == "" {
		return fmt.Errorf("formula name is required")
	}
	if f.Version < 1 {
		return fmt.Errorf("formula %s: version must be at least 1", f.Name)
	}
	if len(f.Weights) == 0 {
		return fmt.Errorf("formula %s: at least one weight is required", f.ID())
	}
	for name, w := range f.Weights {
		if w < 0 {
			return fmt.Errorf("formula %s: weight %s cannot be negative", f.ID(), name)
		}
	}
	return nil
}

func (f Formula) clone() Formula {
	out := f
	out.Weights = make(map[string]float64, len(f.Weights))
	for k, v := range f.Weights {
		out.Weights[k] = v
	}
	out.DefaultValues = make(map[string]float64, len(f.DefaultValues))
	for k, v := range f.DefaultValues {
		out.DefaultValues[k] = v
	}
	return out
}

func (f Formula) equal(other Formula) bool {
	if f.ID() != other.ID() || len(f.Weights) != len(other.Weights) || len(f.DefaultValues) != len(other.DefaultValues) {
		return false
	}
	for k, v := range f.Weights {
		if ov, ok := other.Weights[k]; !ok || ov != v {
			return false
		}
	}
	for k, v := range f.DefaultValues {
		if ov, ok := other.DefaultValues[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// formulaFile is the YAML layout of a formula set.
type formulaFile struct {
	Active   string    `yaml:"active"`
	Formulas []Formula `yaml:"formulas"`
}

// Registry holds the registered formulas and which one is active.
type Registry struct {
	mu       sync.RWMutex
	formulas map[string]Formula
	active   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{formulas: make(map[string]Formula)}
}

// LoadRegistry builds a registry from the built-in formulas plus an optional extra file,
// and activates activeID (or the file's declared active formula when empty).
func LoadRegistry(extraFile, activeID string) (*Registry, error) {
	registry := NewRegistry()

	declared, err := registry.loadYAML(builtinFormulas)
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in formulas: %w", err)
	}

	if extraFile != "" {
		data, err := os.ReadFile(extraFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read formulas file %s: %w", extraFile, err)
		}
		extraActive, err := registry.loadYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load formulas file %s: %w", extraFile, err)
		}
		if extraActive != "" {
			declared = extraActive
		}
	}

	if activeID == "" {
		activeID = declared
	}
	if err := registry.SetActive(activeID); err != nil {
		return nil, err
	}
	return registry, nil
}

func (r *Registry) loadYAML(data []byte) (string, error) {
	var file formulaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("failed to parse formulas: %w", err)
	}
	for _, f := range file.Formulas {
		if err := r.Register(f); err != nil {
			return "", err
		}
	}
	return file.Active, nil
}

// Register adds a formula. Re-registering an identical formula is a no-op;
// registering different weights under an existing name@version is rejected.
func (r *Registry) Register(f Formula) error {
	if err := f.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.formulas[f.ID()]; ok {
		if existing.equal(f) {
			return nil
		}
		return fmt.Errorf("formula %s is already registered with different weights", f.ID())
	}
	r.formulas[f.ID()] = f.clone()
	return nil
}

// SetActive selects the formula used for production scores.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.formulas[id]; !ok {
		return fmt.Errorf("formula %s is not registered", id)
	}
	r.active = id
	return nil
}

// Active returns the active formula.
func (r *Registry) Active() Formula {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.formulas[r.active].clone()
}

// Get returns a registered formula by id.
func (r *Registry) Get(id string) (Formula, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formulas[id]
	if !ok {
		return Formula{}, false
	}
	return f.clone(), true
}

// Shadows returns every registered formula except the active one, ordered by id.
func (r *Registry) Shadows() []Formula {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shadows := make([]Formula, 0, len(r.formulas))
	for id, f := range r.formulas {
		if id != r.active {
			shadows = append(shadows, f.clone())
		}
	}
	sort.Slice(shadows, func(i, j int) bool { return shadows[i].ID() < shadows[j].ID() })
	return shadows
}

// All returns every registered formula, active first.
func (r *Registry) All() []Formula {
	return append([]Formula{r.Active()}, r.Shadows()...)
}
