package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"go.uber.org/zap"
)

// findRecord returns the record set with the given name and type.
func findRecord(ctx context.Context, client sitestackaws.Route53Client, r Retrier, zoneID, name string, rrType r53types.RRType) (r53types.ResourceRecordSet, bool, error) {
	out, err := call(ctx, r, "route53:ListResourceRecordSets", func(ctx context.Context) (*route53.ListResourceRecordSetsOutput, error) {
		return client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
			HostedZoneId:    aws.String(zoneID),
			StartRecordName: aws.String(name),
			StartRecordType: rrType,
			MaxItems:        aws.Int32(1),
		})
	})
	if err != nil {
		return r53types.ResourceRecordSet{}, false, fmt.Errorf("failed to list records of zone %s: %w", zoneID, err)
	}
	for _, rr := range out.ResourceRecordSets {
		if fqdn(aws.ToString(rr.Name)) == fqdn(name) && rr.Type == rrType {
			return rr, true, nil
		}
	}
	return r53types.ResourceRecordSet{}, false, nil
}

// changeRecords submits one change batch. When wait is set it blocks until
// Route 53 reports the change as INSYNC on all of its name servers.
func changeRecords(ctx context.Context, client sitestackaws.Route53Client, opts Options, zoneID, comment string, changes []r53types.Change, wait bool) error {
	if len(changes) == 0 {
		return nil
	}
	out, err := call(ctx, opts.Retry, "route53:ChangeResourceRecordSets", func(ctx context.Context) (*route53.ChangeResourceRecordSetsOutput, error) {
		return client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(zoneID),
			ChangeBatch: &r53types.ChangeBatch{
				Comment: aws.String(comment),
				Changes: changes,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to change records of zone %s: %w", zoneID, err)
	}
	if !wait || out.ChangeInfo == nil {
		return nil
	}

	changeID := aws.ToString(out.ChangeInfo.Id)
	opts.logger().Debug("waiting for DNS change", zap.String("change_id", changeID), zap.String("zone_id", zoneID))
	err = Poll(ctx, opts.PollInterval, opts.deployTimeout(), func(ctx context.Context) (bool, error) {
		res, err := call(ctx, opts.Retry, "route53:GetChange", func(ctx context.Context) (*route53.GetChangeOutput, error) {
			return client.GetChange(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
		})
		if err != nil {
			return false, err
		}
		return res.ChangeInfo != nil && res.ChangeInfo.Status == r53types.ChangeStatusInsync, nil
	})
	if err != nil {
		return fmt.Errorf("failed waiting for change %s: %w", changeID, err)
	}
	return nil
}
