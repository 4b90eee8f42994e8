// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

// Package resolver finds stub declarations for references made by a primary
// module. A type N is stubbed by the stub module's type <namespace>.N; a
// method is stubbed by a method of the stubbed declaring type with the same
// name, return type, instance-ness and parameter types.
package resolver

import (
	"fmt"

	"github.com/dotandev/cilpatch/internal/config"
	"github.com/dotandev/cilpatch/internal/errors"
	"github.com/dotandev/cilpatch/internal/logger"
	"github.com/dotandev/cilpatch/internal/module"
)

// Options configures a Resolver.
type Options struct {
	// Namespace prefixes stub type names. Defaults to
	// config.DefaultStubNamespace.
	Namespace string
	// Ambiguity decides between several matching stub methods. Defaults to
	// config.AmbiguityFirst.
	Ambiguity config.Ambiguity
}

// Resolver maps references of a primary module to stub declarations.
type Resolver struct {
	primary *module.Module
	stubs   *module.Module
	opts    Options

	types   map[string]*module.TypeDef
	methods map[string]methodResult
}

type methodResult struct {
	def *module.MethodDef
	err error
}

// New creates a resolver that imports stub declarations into primary.
func New(primary, stubs *module.Module, opts Options) *Resolver {
	if opts.Namespace == "" {
		opts.Namespace = config.DefaultStubNamespace
	}
	if opts.Ambiguity == "" {
		opts.Ambiguity = config.AmbiguityFirst
	}
	return &Resolver{
		primary: primary,
		stubs:   stubs,
		opts:    opts,
		types:   make(map[string]*module.TypeDef),
		methods: make(map[string]methodResult),
	}
}

// StubName returns the name a stub for t must have.
func (r *Resolver) StubName(t module.Type) string {
	return r.opts.Namespace + "." + t.FullName()
}

// StubType returns the stub declaration for t without touching the primary
// module.
func (r *Resolver) StubType(t module.Type) (*module.TypeDef, bool) {
	if t == nil {
		return nil, false
	}
	if _, ok := t.(*module.TypeSpec); ok {
		return nil, false
	}
	name := r.StubName(t)
	if td, ok := r.types[name]; ok {
		return td, td != nil
	}
	td := r.stubs.FindType(name)
	r.types[name] = td
	return td, td != nil
}

// StubMethod returns the stub declaration for mt without touching the
// primary module. With the error ambiguity policy several matches yield
// errors.ErrAmbiguousStub.
func (r *Resolver) StubMethod(mt module.Method) (*module.MethodDef, bool, error) {
	if mt == nil {
		return nil, false, nil
	}
	if _, ok := mt.(*module.MethodSpec); ok {
		return nil, false, nil
	}
	key := fmt.Sprintf("%t|%s", mt.HasThis(), mt.FullName())
	if res, ok := r.methods[key]; ok {
		return res.def, res.def != nil, res.err
	}

	def, err := r.findMethod(mt)
	r.methods[key] = methodResult{def: def, err: err}
	return def, def != nil, err
}

func (r *Resolver) findMethod(mt module.Method) (*module.MethodDef, error) {
	stubType, ok := r.StubType(mt.DeclaringType())
	if !ok {
		return nil, nil
	}

	var matches []*module.MethodDef
	for _, cand := range stubType.Methods() {
		if cand.Name() != mt.Name() {
			continue
		}
		d := diffMethods(mt, cand)
		if d.empty() {
			matches = append(matches, cand)
			continue
		}
		logger.Logger.Debug("Stub method signature mismatch",
			"method", mt.FullName(),
			"stub", cand.FullName(),
			"diff", d.String(),
		)
	}

	switch {
	case len(matches) == 0:
		return nil, nil
	case len(matches) == 1:
		return matches[0], nil
	}

	logger.Logger.Warn("Ambiguous stub method",
		"method", mt.FullName(),
		"candidates", len(matches),
		"policy", string(r.opts.Ambiguity),
	)
	switch r.opts.Ambiguity {
	case config.AmbiguityLast:
		return matches[len(matches)-1], nil
	case config.AmbiguityError:
		return nil, errors.WrapAmbiguousStub(mt.FullName(), len(matches))
	}
	return matches[0], nil
}

// ResolveType returns a reference to the stub of t, imported into the
// primary module.
func (r *Resolver) ResolveType(t module.Type) (module.Type, bool, error) {
	td, ok := r.StubType(t)
	if !ok {
		return nil, false, nil
	}
	ref, err := r.primary.ImportType(td)
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}

// ResolveMethod returns a reference to the stub of mt, imported into the
// primary module.
func (r *Resolver) ResolveMethod(mt module.Method) (module.Method, bool, error) {
	def, ok, err := r.StubMethod(mt)
	if err != nil || !ok {
		return nil, false, err
	}
	ref, err := r.primary.ImportMethod(def)
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}
