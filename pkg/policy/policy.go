// Package policy implements the pluggable attestation/validator layer
// (spec §6): a validator inspects an incoming event against its
// before/after state and may reject it. Rejections are fatal for that
// single event; the entity itself is never poisoned.
package policy

import (
	"context"

	"ankurah-core/pkg/applier"
	"ankurah-core/pkg/event"
	"ankurah-core/pkg/retrieval"
)

// NoopValidator accepts every event unconditionally — the default when
// no attestation scheme is configured.
type NoopValidator struct{}

func (NoopValidator) Validate(ctx context.Context, e event.Event, before, after retrieval.AttestedSnapshot) error {
	return nil
}

var _ applier.Validator = NoopValidator{}

// FuncValidator adapts a plain function to the Validator interface.
type FuncValidator func(ctx context.Context, e event.Event, before, after retrieval.AttestedSnapshot) error

func (f FuncValidator) Validate(ctx context.Context, e event.Event, before, after retrieval.AttestedSnapshot) error {
	return f(ctx, e, before, after)
}

var _ applier.Validator = FuncValidator(nil)
