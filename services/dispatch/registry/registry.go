// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry provides the read-only catalog of tool services the
// dispatcher can invoke.
//
// The registry has an explicit load phase (Load, LoadFromBytes, New) and is
// never mutated afterwards, so lookups take no locks.
package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

var registryTracer = otel.Tracer("aleutian.dispatch.registry")

//go:embed tools.yaml
var defaultToolsYAML []byte

// ProtocolREST is the endpoint key used for invocation.
const ProtocolREST = "REST"

// MaxRegistrySize bounds a registry document read from any source.
const MaxRegistrySize = 4 << 20

var (
	// ErrToolNotFound is returned when a tool name is not in the registry.
	ErrToolNotFound = errors.New("tool not found in registry")

	// ErrEmptyRegistry is returned when a registry document lists no tools.
	ErrEmptyRegistry = errors.New("registry contains no tools")
)

// ToolDescriptor describes one independently deployed tool service.
type ToolDescriptor struct {
	// Name is the unique tool identifier.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Version is a semantic version ("1.2.0" or "v1.2.0").
	Version string `yaml:"version" json:"version" validate:"required"`

	// Endpoints maps protocol to URL. REST is required for invocability.
	Endpoints map[string]string `yaml:"endpoints" json:"endpoints"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// RESTEndpoint returns the REST URL, or "" when the tool has none.
func (d ToolDescriptor) RESTEndpoint() string {
	return d.Endpoints[ProtocolREST]
}

// Registry is an immutable name-indexed set of tool descriptors.
//
// Thread Safety: Safe for concurrent use. Never mutated after construction.
type Registry struct {
	tools map[string]ToolDescriptor
	names []string
}

var descriptorValidator = validator.New()

// New builds a registry from descriptors after validating each one.
//
// Outputs:
//
//	*Registry - The registry. Never nil on success.
//	error - ErrEmptyRegistry, or a validation error naming the bad entry.
func New(descriptors ...ToolDescriptor) (*Registry, error) {
	if len(descriptors) == 0 {
		return nil, ErrEmptyRegistry
	}

	r := &Registry{
		tools: make(map[string]ToolDescriptor, len(descriptors)),
		names: make([]string, 0, len(descriptors)),
	}
	for i, d := range descriptors {
		if err := validateDescriptor(d); err != nil {
			return nil, fmt.Errorf("tools[%d]: %w", i, err)
		}
		if _, dup := r.tools[d.Name]; dup {
			return nil, fmt.Errorf("tools[%d]: duplicate tool name %q", i, d.Name)
		}
		r.tools[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func validateDescriptor(d ToolDescriptor) error {
	if err := descriptorValidator.Struct(d); err != nil {
		return fmt.Errorf("invalid descriptor %q: %w", d.Name, err)
	}

	v := d.Version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("tool %q: version %q is not a semantic version", d.Name, d.Version)
	}

	for proto, url := range d.Endpoints {
		if proto == "" {
			return fmt.Errorf("tool %q: empty protocol key", d.Name)
		}
		if url != "" && !strfmt.Default.Validates("uri", url) {
			return fmt.Errorf("tool %q: %s endpoint %q is not a valid URI", d.Name, proto, url)
		}
	}
	return nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ToolDescriptor, bool) {
	if r == nil {
		return ToolDescriptor{}, false
	}
	d, ok := r.tools[name]
	return d, ok
}

// MustLookup returns the descriptor or ErrToolNotFound.
func (r *Registry) MustLookup(name string) (ToolDescriptor, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%q: %w", name, ErrToolNotFound)
	}
	return d, nil
}

// RESTEndpoint returns the REST URL for name, or "" when unknown or absent.
func (r *Registry) RESTEndpoint(name string) string {
	d, ok := r.Lookup(name)
	if !ok {
		return ""
	}
	return d.RESTEndpoint()
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []ToolDescriptor {
	if r == nil {
		return nil
	}
	out := make([]ToolDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.tools[n])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// =============================================================================
// Load Phase
// =============================================================================

type registryDocument struct {
	Tools []ToolDescriptor `yaml:"tools"`
}

// LoadFromBytes parses a registry document.
//
// Description:
//
//	Accepts either a top-level list of descriptors (the JSON tools file
//	layout) or a mapping with a "tools" key. JSON input is parsed by the YAML
//	decoder since JSON is a YAML subset.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw document bytes.
//
// Outputs:
//
//	*Registry - The validated registry.
//	error - Non-nil on parse, validation, or size failure.
func LoadFromBytes(ctx context.Context, data []byte) (*Registry, error) {
	_, span := registryTracer.Start(ctx, "registry.LoadFromBytes")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadFromBytes: %w", ErrEmptyRegistry)
	}
	if len(data) > MaxRegistrySize {
		return nil, fmt.Errorf("LoadFromBytes: document exceeds maximum size (%d > %d)", len(data), MaxRegistrySize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("LoadFromBytes: parsing document: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("LoadFromBytes: %w", ErrEmptyRegistry)
	}

	var descriptors []ToolDescriptor
	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		if err := root.Content[0].Decode(&descriptors); err != nil {
			return nil, fmt.Errorf("LoadFromBytes: decoding tool list: %w", err)
		}
	case yaml.MappingNode:
		var doc registryDocument
		if err := root.Content[0].Decode(&doc); err != nil {
			return nil, fmt.Errorf("LoadFromBytes: decoding registry: %w", err)
		}
		descriptors = doc.Tools
	default:
		return nil, fmt.Errorf("LoadFromBytes: unexpected document shape")
	}

	reg, err := New(descriptors...)
	if err != nil {
		return nil, fmt.Errorf("LoadFromBytes: %w", err)
	}

	span.SetAttributes(attribute.Int("tool_count", reg.Len()))
	return reg, nil
}

// LoadDefault loads the embedded development registry.
func LoadDefault(ctx context.Context) (*Registry, error) {
	return LoadFromBytes(ctx, defaultToolsYAML)
}

// Load resolves a registry source and loads it.
//
// Description:
//
//	An empty source loads the embedded registry. A gs://bucket/object source
//	is fetched from Cloud Storage. Anything else is read as a local file.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	source - Registry location, usually TOOL_REGISTRY_PATH.
//
// Outputs:
//
//	*Registry - The loaded registry.
//	error - Non-nil if the source cannot be read or is invalid.
func Load(ctx context.Context, source string) (*Registry, error) {
	ctx, span := registryTracer.Start(ctx, "registry.Load")
	defer span.End()
	span.SetAttributes(attribute.String("source", source))

	var (
		data []byte
		err  error
	)
	switch {
	case source == "":
		data = defaultToolsYAML
		source = "embedded"
	case strings.HasPrefix(source, gcsScheme):
		data, err = fetchGCSObject(ctx, source)
	default:
		data, err = readFileLimited(source)
	}
	if err != nil {
		return nil, fmt.Errorf("loading registry from %s: %w", source, err)
	}

	reg, err := LoadFromBytes(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("loading registry from %s: %w", source, err)
	}

	slog.Info("tool registry loaded",
		slog.String("source", source),
		slog.Int("tools", reg.Len()),
	)
	return reg, nil
}

func readFileLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxRegistrySize {
		return nil, fmt.Errorf("file exceeds maximum size (%d > %d)", info.Size(), MaxRegistrySize)
	}
	return os.ReadFile(path)
}
