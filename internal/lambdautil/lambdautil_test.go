package lambdautil

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
)

func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	assert.False(t, IsLambdaEnvironment())

	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "my-fn")
	assert.True(t, IsLambdaEnvironment())
}

func TestRemainingTime_OutsideLambda(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	_, ok := RemainingTime(ctx)
	assert.False(t, ok)
}

func TestRemainingTime_InLambdaInvocation(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	base := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{
		AwsRequestID: "req-1",
	})
	assert.True(t, InLambdaInvocation(base))

	// No deadline on the context: not usable.
	_, ok := RemainingTime(base)
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(base, time.Minute)
	defer cancel()
	remaining, ok := RemainingTime(ctx)
	assert.True(t, ok)
	assert.Greater(t, remaining, 50*time.Second)
	assert.LessOrEqual(t, remaining, time.Minute)
}
