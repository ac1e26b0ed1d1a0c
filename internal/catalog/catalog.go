package catalog

import (
	"sort"
	"sync"

	"github.com/venzel/stepflow/internal/validation"
	"github.com/venzel/stepflow/pkg/schema"
)

// Validator checks a workflow definition before it enters the catalog.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Info summarizes a registered workflow for listings.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
}

// Catalog is a thread-safe in-memory registry of named workflow definitions.
// It is volatile: definitions live for the process lifetime and must be
// re-registered after a restart.
type Catalog struct {
	mu        sync.RWMutex
	validator Validator
	defs      map[string]*schema.WorkflowDefinition
}

// New creates an empty catalog. A nil validator gets the default workflow
// validator, so nothing invalid can be registered.
func New(v Validator) *Catalog {
	if v == nil {
		v = validation.NewWorkflowValidator()
	}
	return &Catalog{
		validator: v,
		defs:      make(map[string]*schema.WorkflowDefinition),
	}
}

// Register validates a definition and stores it under its name, replacing any
// previous version. The returned result carries warnings even on success; on
// validation failure the definition is not stored and the error wraps the
// issue list.
func (c *Catalog) Register(def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	vr := c.validator.Validate(def)
	if !vr.Valid() {
		return vr, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q failed validation with %d error(s)", def.Name, len(vr.Errors)).
			WithDetails(map[string]any{"errors": issueStrings(vr.Errors)})
	}

	c.mu.Lock()
	c.defs[def.Name] = def.Clone()
	c.mu.Unlock()
	return vr, nil
}

// Get returns a copy of the named definition. Callers own the copy; mutating
// it never affects the catalog.
func (c *Catalog) Get(name string) (*schema.WorkflowDefinition, error) {
	c.mu.RLock()
	def, ok := c.defs[name]
	c.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", name)
	}
	return def.Clone(), nil
}

// Has checks whether a workflow is registered.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.defs[name]
	return ok
}

// List returns summaries of all registered workflows, sorted by name.
func (c *Catalog) List() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]Info, 0, len(c.defs))
	for _, def := range c.defs {
		infos = append(infos, Info{
			Name:        def.Name,
			Description: def.Description,
			Steps:       len(def.Steps),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered workflows.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}

// Remove deletes a workflow from the catalog.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.defs[name]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not registered", name)
	}
	delete(c.defs, name)
	return nil
}

func issueStrings(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Path + ": " + issue.Message
	}
	return out
}
