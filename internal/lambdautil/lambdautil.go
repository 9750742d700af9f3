// Package lambdautil detects AWS Lambda execution so the store retry loops
// can stop burning attempts when the invocation is nearly out of time.
package lambdautil

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// IsLambdaEnvironment detects if running in AWS Lambda.
func IsLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// InLambdaInvocation reports whether ctx carries Lambda invocation metadata.
func InLambdaInvocation(ctx context.Context) bool {
	_, ok := lambdacontext.FromContext(ctx)
	return ok
}

// RemainingTime returns the time until the Lambda deadline. ok is false when
// ctx has no deadline or the process is not a Lambda invocation.
func RemainingTime(ctx context.Context) (remaining time.Duration, ok bool) {
	if !InLambdaInvocation(ctx) && !IsLambdaEnvironment() {
		return 0, false
	}
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		return 0, false
	}
	return time.Until(deadline), true
}
