package mock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DenyActions makes policy simulation deny the given actions.
func (a *Account) DenyActions(actions ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, action := range actions {
		a.deniedActions[action] = true
	}
}

// SetCaller changes the ARN returned by GetCallerIdentity.
func (a *Account) SetCaller(arn string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callerARN = arn
}

// IAMClient is a mock implementation of aws.IAMClient.
type IAMClient struct {
	a *Account
}

// IAM returns the IAM client of the account.
func (a *Account) IAM() *IAMClient {
	return &IAMClient{a: a}
}

func (c *IAMClient) SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error) {
	if err := c.a.begin(ctx, "iam:SimulatePrincipalPolicy"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()

	out := &iam.SimulatePrincipalPolicyOutput{IsTruncated: false}
	for _, action := range params.ActionNames {
		decision := iamtypes.PolicyEvaluationDecisionTypeAllowed
		if c.a.deniedActions[action] {
			decision = iamtypes.PolicyEvaluationDecisionTypeImplicitDeny
		}
		out.EvaluationResults = append(out.EvaluationResults, iamtypes.EvaluationResult{
			EvalActionName: aws.String(action),
			EvalDecision:   decision,
		})
	}
	return out, nil
}

// STSClient is a mock implementation of aws.STSClient.
type STSClient struct {
	a *Account
}

// STS returns the STS client of the account.
func (a *Account) STS() *STSClient {
	return &STSClient{a: a}
}

func (c *STSClient) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if err := c.a.begin(ctx, "sts:GetCallerIdentity"); err != nil {
		return nil, err
	}
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	return &sts.GetCallerIdentityOutput{
		Account: aws.String(AccountID),
		Arn:     aws.String(c.a.callerARN),
		UserId:  aws.String("AROAEXAMPLE:ci-session"),
	}, nil
}
