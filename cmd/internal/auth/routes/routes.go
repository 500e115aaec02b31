// Package routes classifies request paths for the session guard.
package routes

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Class is the guard treatment of a path.
type Class int

const (
	Unrestricted Class = iota
	Protected
	Public
)

func (c Class) String() string {
	switch c {
	case Protected:
		return "protected"
	case Public:
		return "public"
	default:
		return "unrestricted"
	}
}

// ErrInvalidRules is returned for unusable rule sets.
var ErrInvalidRules = errors.New("invalid route rules")

// Rules is the declarative route table.
type Rules struct {
	// Protected are path prefixes that require an authenticated session.
	Protected []string `yaml:"protected"`
	// Public are exact paths meant for anonymous visitors only.
	Public []string `yaml:"public"`
	// Exempt are path prefixes the guard never evaluates (API, assets, ops).
	Exempt []string `yaml:"exempt"`
	// ExemptExtensions are file extensions treated as static assets.
	ExemptExtensions []string `yaml:"exempt_extensions"`
}

// DefaultRules mirrors the portal's built-in route table.
func DefaultRules() Rules {
	return Rules{
		Protected:        []string{"/companies", "/profile"},
		Public:           []string{"/login", "/signup"},
		Exempt:           []string{"/api/", "/ws/", "/static/", "/favicon.ico", "/healthz", "/readyz", "/metrics"},
		ExemptExtensions: []string{".svg", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".ico", ".css", ".js"},
	}
}

// Classifier is immutable after construction and safe for concurrent use.
type Classifier struct {
	protected []string
	public    map[string]struct{}
	exempt    []string
	exts      map[string]struct{}
}

// New validates r and builds a Classifier.
func New(r Rules) (*Classifier, error) {
	c := &Classifier{
		public: make(map[string]struct{}, len(r.Public)),
		exts:   make(map[string]struct{}, len(r.ExemptExtensions)),
	}

	for _, p := range r.Protected {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: protected prefix %q must start with /", ErrInvalidRules, p)
		}
		c.protected = append(c.protected, p)
	}
	for _, p := range r.Public {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: public path %q must start with /", ErrInvalidRules, p)
		}
		c.public[p] = struct{}{}
	}
	for _, p := range r.Exempt {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("%w: exempt prefix %q must start with /", ErrInvalidRules, p)
		}
		c.exempt = append(c.exempt, p)
	}
	for _, e := range r.ExemptExtensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.exts[e] = struct{}{}
	}

	for _, p := range c.protected {
		if _, ok := c.public[p]; ok {
			return nil, fmt.Errorf("%w: %q is both protected and public", ErrInvalidRules, p)
		}
	}
	return c, nil
}

// MustDefault returns the classifier for DefaultRules.
func MustDefault() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the class of p. Protected prefixes win over public paths.
func (c *Classifier) Classify(p string) Class {
	if c == nil {
		return Unrestricted
	}
	for _, pre := range c.protected {
		if strings.HasPrefix(p, pre) {
			return Protected
		}
	}
	if _, ok := c.public[p]; ok {
		return Public
	}
	return Unrestricted
}

// Exempt reports whether the guard should skip evaluation for p entirely.
func (c *Classifier) Exempt(p string) bool {
	if c == nil {
		return false
	}
	for _, pre := range c.exempt {
		if strings.HasPrefix(p, pre) {
			return true
		}
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" {
		_, ok := c.exts[ext]
		return ok
	}
	return false
}

// LoadFile reads Rules from a YAML file. Unknown keys are rejected.
// Lists missing from the file keep their defaults.
func LoadFile(name string) (Rules, error) {
	f, err := os.Open(name)
	if err != nil {
		return Rules{}, err
	}
	defer func() { _ = f.Close() }()

	r := DefaultRules()
	var in Rules
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&in); err != nil {
		return Rules{}, fmt.Errorf("%w: %s: %v", ErrInvalidRules, name, err)
	}
	if in.Protected != nil {
		r.Protected = in.Protected
	}
	if in.Public != nil {
		r.Public = in.Public
	}
	if in.Exempt != nil {
		r.Exempt = in.Exempt
	}
	if in.ExemptExtensions != nil {
		r.ExemptExtensions = in.ExemptExtensions
	}
	return r, nil
}
