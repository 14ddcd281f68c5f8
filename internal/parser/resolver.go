package parser

import (
	"fmt"
	"net/url"
	"strings"
)

// Resolver resolves segment, key and playlist URIs against the URI of the
// manifest they were read from.
type Resolver struct {
	base *url.URL
}

// NewResolver returns a Resolver with no manifest URI set.
func NewResolver() *Resolver {
	return &Resolver{}
}

// NewResolverFor returns a Resolver bound to manifestURI.
func NewResolverFor(manifestURI string) (*Resolver, error) {
	r := NewResolver()
	if err := r.SetManifestURI(manifestURI); err != nil {
		return nil, err
	}
	return r, nil
}

// SetManifestURI sets the URI relative references are resolved against.
func (r *Resolver) SetManifestURI(manifestURI string) error {
	u, err := url.Parse(strings.TrimSpace(manifestURI))
	if err != nil {
		return fmt.Errorf("parse manifest URI: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("manifest URI %q is not absolute", manifestURI)
	}
	r.base = u
	return nil
}

// ManifestURI returns the current base URI, or "" when unset.
func (r *Resolver) ManifestURI() string {
	if r.base == nil {
		return ""
	}
	return r.base.String()
}

// Resolve returns rel as an absolute URL. Absolute input is returned
// unchanged. Resolve panics if no manifest URI has been set.
func (r *Resolver) Resolve(rel string) string {
	if r.base == nil {
		panic("parser: Resolve called before SetManifestURI")
	}
	rel = strings.TrimSpace(rel)
	if isAbsolute(rel) {
		return rel
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return rel
	}
	return r.base.ResolveReference(ref).String()
}

// ResolveAll resolves every URI in rels.
func (r *Resolver) ResolveAll(rels []string) []string {
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = r.Resolve(rel)
	}
	return out
}

func isAbsolute(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
