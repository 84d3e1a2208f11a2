package invoker

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// lambdaAPI is the slice of the Lambda client the invoker uses.
type lambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// FunctionInvoker delivers invocations to managed functions.
type FunctionInvoker struct {
	client lambdaAPI
}

// NewFunctionInvoker creates an invoker around a Lambda client.
func NewFunctionInvoker(client lambdaAPI) *FunctionInvoker {
	return &FunctionInvoker{client: client}
}

// Invoke calls the destination function. Sync invocations run
// request-response and resolve from the function's return value; async
// invocations are queued as events and complete via the callback.
//
// A function that runs but raises is a subscriber-side failure, not a
// destination fault, so it resolves the invocation instead of tripping the
// breaker.
func (f *FunctionInvoker) Invoke(ctx context.Context, inv domain.InvocationStatus, dest domain.DestinationConfig, envelope Envelope) (Result, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationFunction, Reason: "marshal payload: " + err.Error()}
	}

	in := &lambda.InvokeInput{
		FunctionName:   aws.String(dest.FunctionName),
		Payload:        payload,
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
	}
	if inv.Type == domain.InvocationTypeAsync {
		in.InvocationType = lambdatypes.InvocationTypeEvent
	}
	if dest.Qualifier != "" {
		in.Qualifier = aws.String(dest.Qualifier)
	}

	out, err := f.client.Invoke(ctx, in)
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationFunction, Reason: err.Error()}
	}

	if inv.Type == domain.InvocationTypeAsync {
		return Result{Outcome: OutcomeAsync}, nil
	}

	if out.FunctionError != nil {
		return Result{
			Outcome:      OutcomeFailed,
			ErrorMessage: functionErrorMessage(*out.FunctionError, out.Payload),
		}, nil
	}
	if len(out.Payload) == 0 || !json.Valid(out.Payload) {
		return Result{
			Outcome:      OutcomeFailed,
			ErrorMessage: "function returned a non-JSON payload",
		}, nil
	}
	return Result{Outcome: OutcomeCompleted, Output: out.Payload}, nil
}

// functionErrorMessage extracts the error message from a failed function's
// payload, falling back to the error kind reported by the platform.
func functionErrorMessage(kind string, payload []byte) string {
	var body struct {
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.ErrorMessage != "" {
		return body.ErrorMessage
	}
	return "function error: " + kind
}
