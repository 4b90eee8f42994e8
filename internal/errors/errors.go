// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is
var (
	ErrInvalidImage      = errors.New("invalid PE image")
	ErrNotManaged        = errors.New("image has no CLI header")
	ErrUnsupported       = errors.New("unsupported module feature")
	ErrMalformedMetadata = errors.New("malformed metadata")
	ErrMalformedBody     = errors.New("malformed method body")
	ErrNoHeaderSpace     = errors.New("no room for another section header")
	ErrNoVersion         = errors.New("no version resource")
	ErrStubModule        = errors.New("stub module error")
	ErrAmbiguousStub     = errors.New("ambiguous stub method")
	ErrWriteFailed       = errors.New("failed to write module")
	ErrConfig            = errors.New("configuration error")
	ErrRules             = errors.New("invalid rule set")
	ErrJournal           = errors.New("journal error")
	ErrCertSync          = errors.New("certificate sync failed")
)

// Is, As and New are re-exported so callers only need this package.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)

func WrapInvalidImage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidImage, msg)
}

func WrapUnsupported(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, msg)
}

func WrapMalformedMetadata(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformedMetadata, msg)
}

func WrapMalformedBody(method string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedBody, method, err)
}

func WrapStubModule(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStubModule, path, err)
}

func WrapAmbiguousStub(method string, candidates int) error {
	return fmt.Errorf("%w: %s has %d matching stub declarations", ErrAmbiguousStub, method, candidates)
}

func WrapWriteFailed(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrWriteFailed, path, err)
}

func WrapConfigError(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrConfig, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrConfig, msg, err)
}

func WrapRules(source string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRules, source, err)
}

func WrapJournal(err error) error {
	return fmt.Errorf("%w: %w", ErrJournal, err)
}

func WrapCertSync(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrCertSync, msg, err)
}
