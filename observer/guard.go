package observer

import (
	"context"
	"errors"

	"github.com/nevindra/relay"

	"go.opentelemetry.io/otel/metric"
)

// ObservedValidator counts the outcomes of a guardrail validator.
type ObservedValidator struct {
	name  string
	inner relay.Validator
	inst  *Instruments
}

// WrapValidator instruments v under name.
func WrapValidator(name string, v relay.Validator, inst *Instruments) *ObservedValidator {
	return &ObservedValidator{name: name, inner: v, inst: inst}
}

func (o *ObservedValidator) ValidateInput(ctx context.Context, data any) error {
	err := o.inner.ValidateInput(ctx, data)
	o.count(ctx, relay.StageInput, err)
	return err
}

func (o *ObservedValidator) ValidateOutput(ctx context.Context, data any) error {
	err := o.inner.ValidateOutput(ctx, data)
	o.count(ctx, relay.StageOutput, err)
	return err
}

func (o *ObservedValidator) count(ctx context.Context, stage relay.Stage, err error) {
	o.inst.GuardChecks.Add(ctx, 1, metric.WithAttributes(
		AttrGuardName.String(o.name),
		AttrGuardStage.String(string(stage)),
		AttrGuardOutcome.String(outcome(err)),
	))
}

// outcome classifies a validator result for metrics.
func outcome(err error) string {
	var (
		sec *relay.SecurityError
		val *relay.ValidationError
	)
	switch {
	case err == nil:
		return "pass"
	case errors.As(err, &sec):
		return "security:" + sec.Reason
	case errors.As(err, &val):
		return "invalid"
	default:
		return "error"
	}
}

var _ relay.Validator = (*ObservedValidator)(nil)
