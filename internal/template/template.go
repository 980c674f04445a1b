// Package template renders operation manifest parameters against the
// operation's vars before modules are built. Rendering happens once, at
// build time: the engine itself never re-renders anything mid-run, so
// module parameters are immutable for the duration of a run.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/opflow-labs/opflow/internal/secrets"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	pkgsecrets "github.com/opflow-labs/opflow/pkg/opflow/v1/secrets"
)

// simpleVarRegex matches a param value that is exactly one variable
// reference, e.g. "{{ .workers }}". Such values resolve to the referenced
// value itself so non-string types survive rendering.
var simpleVarRegex = regexp.MustCompile(`^\s*\{\{\s*\.([a-zA-Z0-9_.]+)\s*\}\}\s*$`)

// Renderer renders manifest strings using Go's text/template package. It
// caches parsed templates and is safe for concurrent use. One Renderer is
// created per operation build so the secret tracker it taints belongs to
// exactly one run.
type Renderer struct {
	secretsProvider pkgsecrets.Provider
	eventBus        events.Bus
	secretTracker   *secrets.SecretTracker
	templateCache   map[string]*template.Template
	mu              sync.Mutex // guards the cache and the non-thread-safe Parse call
}

// NewRenderer creates a Renderer bound to the given secrets provider, event
// bus and per-run tracker. Any of the three may be nil; resolving a secret
// without a provider fails at execution time, never at parse time, so a
// bare Renderer can still syntax-check manifests that use secrets.
func NewRenderer(secretsProvider pkgsecrets.Provider, eventBus events.Bus, tracker *secrets.SecretTracker) *Renderer {
	return &Renderer{
		secretsProvider: secretsProvider,
		eventBus:        eventBus,
		secretTracker:   tracker,
		templateCache:   make(map[string]*template.Template),
	}
}

// GetFuncMap returns the function map manifest templates may use.
func (r *Renderer) GetFuncMap() template.FuncMap {
	return GetFuncMap(r.secretsProvider, r.eventBus, r.secretTracker)
}

// Render executes a template string against the given data.
func (r *Renderer) Render(templateString string, data interface{}) (string, error) {
	t, err := r.getOrParseTemplate(templateString, r.GetFuncMap())
	if err != nil {
		return "", opflowerrors.NewValidationError(fmt.Sprintf("template parse error: %s", err.Error()), err)
	}

	var buf bytes.Buffer
	if execErr := t.Execute(&buf, data); execErr != nil {
		return "", opflowerrors.NewValidationError(fmt.Sprintf("template execution error: %s", execErr.Error()), execErr)
	}

	return buf.String(), nil
}

// CheckSyntax parses a template string without executing it. Manifest
// validation uses it to reject malformed templates before any module is
// built.
func (r *Renderer) CheckSyntax(templateString string) error {
	if _, err := r.getOrParseTemplate(templateString, r.GetFuncMap()); err != nil {
		return opflowerrors.NewValidationError(fmt.Sprintf("template syntax error: %s", err.Error()), err)
	}
	return nil
}

// Resolve renders a template string but preserves the referenced value's
// type when the whole string is a single simple variable expression. A
// param of "{{ .retries }}" against vars{retries: 3} resolves to int 3,
// not "3".
func (r *Renderer) Resolve(templateString string, data interface{}) (interface{}, error) {
	matches := simpleVarRegex.FindStringSubmatch(templateString)
	if len(matches) == 2 {
		if mapData, ok := data.(map[string]interface{}); ok {
			if value, found := lookup(mapData, matches[1]); found {
				return value, nil
			}
		}
	}

	// Fall back to full rendering for composite expressions.
	return r.Render(templateString, data)
}

// RenderParams walks a module's params and renders every string leaf against
// the given data, descending into nested maps and slices. Non-string leaves
// pass through untouched. The input map is not modified.
func (r *Renderer) RenderParams(params map[string]interface{}, data interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	rendered, err := r.renderValue(params, data)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]interface{}), nil
}

func (r *Renderer) renderValue(value interface{}, data interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}
		return r.Resolve(v, data)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			rendered, err := r.renderValue(val, data)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			rendered, err := r.renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// getOrParseTemplate is a concurrency-safe method for parsing and caching templates.
func (r *Renderer) getOrParseTemplate(templateString string, funcMap template.FuncMap) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cachedTemplate, exists := r.templateCache[templateString]; exists {
		// Clone and re-apply Funcs so the template always uses the current
		// FuncMap and the tracker instance it captures.
		clonedTemplate, err := cachedTemplate.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone cached template: %w", err)
		}
		return clonedTemplate.Funcs(funcMap), nil
	}

	t, parseErr := template.New(templateString).Option("missingkey=error").Funcs(funcMap).Parse(templateString)
	if parseErr != nil {
		return nil, fmt.Errorf("template parse error: %w", parseErr)
	}

	r.templateCache[templateString] = t
	return t, nil
}

func lookup(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = currentMap[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
