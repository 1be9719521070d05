package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	sitestackaws "github.com/gurre/sitestack/aws"
	"github.com/gurre/sitestack/config"
	"github.com/gurre/sitestack/resource"
	"github.com/gurre/sitestack/state"
	"go.uber.org/zap"
)

func isNoSuchCertificate(err error) bool {
	var e *acmtypes.ResourceNotFoundException
	return errors.As(err, &e) || hasCode(err, "ResourceNotFoundException")
}

func describeCertificate(ctx context.Context, client sitestackaws.ACMClient, r Retrier, arn string) (*acmtypes.CertificateDetail, error) {
	out, err := call(ctx, r, "acm:DescribeCertificate", func(ctx context.Context) (*acm.DescribeCertificateOutput, error) {
		return client.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	})
	if err != nil {
		return nil, err
	}
	if out.Certificate == nil {
		return nil, fmt.Errorf("certificate %s: empty description", arn)
	}
	return out.Certificate, nil
}

// validationOptions converts ACM's domain validation options.
func validationOptions(detail *acmtypes.CertificateDetail) []resource.DomainValidationOption {
	opts := make([]resource.DomainValidationOption, 0, len(detail.DomainValidationOptions))
	for _, dv := range detail.DomainValidationOptions {
		o := resource.DomainValidationOption{DomainName: aws.ToString(dv.DomainName)}
		if rr := dv.ResourceRecord; rr != nil {
			o.RecordName = aws.ToString(rr.Name)
			o.RecordType = string(rr.Type)
			o.RecordValue = aws.ToString(rr.Value)
		}
		opts = append(opts, o)
	}
	return opts
}

// recordsReady reports whether ACM has generated a record for every domain.
func recordsReady(detail *acmtypes.CertificateDetail) bool {
	if len(detail.DomainValidationOptions) == 0 {
		return false
	}
	for _, dv := range detail.DomainValidationOptions {
		if dv.ResourceRecord == nil || aws.ToString(dv.ResourceRecord.Name) == "" {
			return false
		}
	}
	return true
}

// Certificate requests the DNS-validated certificate of the domain. It does
// not wait for issuance, which is the job of CertificateValidation.
type Certificate struct {
	client sitestackaws.ACMClient
	opts   Options
}

var _ Resumer = (*Certificate)(nil)

func (p *Certificate) Kind() resource.Kind { return resource.KindCertificate }

func (p *Certificate) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	return resource.CertificateSpec{DomainName: p.opts.Domain}, nil
}

func certificateRecord(detail *acmtypes.CertificateDetail) (state.Resource, error) {
	arn := aws.ToString(detail.CertificateArn)
	domain := aws.ToString(detail.DomainName)

	var sans []string
	for _, san := range detail.SubjectAlternativeNames {
		if san != domain {
			sans = append(sans, san)
		}
	}
	method := string(acmtypes.ValidationMethodDns)
	for _, dv := range detail.DomainValidationOptions {
		if dv.ValidationMethod != "" {
			method = string(dv.ValidationMethod)
		}
	}

	records, err := resource.EncodeValidationRecords(resource.DeriveValidationRecords(validationOptions(detail)))
	if err != nil {
		return state.Resource{}, err
	}

	spec := resource.CertificateSpec{DomainName: domain, SubjectAlternativeNames: sans}
	attrs := spec.Attributes()
	attrs["validation_method"] = method
	return state.Resource{
		Kind:       resource.KindCertificate,
		PhysicalID: arn,
		ARN:        arn,
		Attributes: attrs,
		Outputs: map[string]string{
			"arn":                arn,
			"status":             string(detail.Status),
			"validation_records": records,
		},
	}, nil
}

// Read describes the certificate recorded in state. Without a record there is
// nothing to look up: every request creates a new certificate.
func (p *Certificate) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	if prior.PhysicalID == "" {
		return state.Resource{}, false, nil
	}
	detail, err := describeCertificate(ctx, p.client, p.opts.Retry, prior.PhysicalID)
	if err != nil {
		if isNoSuchCertificate(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read certificate %s: %w", prior.PhysicalID, err)
	}
	r, err := certificateRecord(detail)
	if err != nil {
		return state.Resource{}, false, err
	}
	return r, true, nil
}

// Create requests the certificate and waits until ACM has attached a
// validation record to every domain.
func (p *Certificate) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.CertificateSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	input := &acm.RequestCertificateInput{
		DomainName:       aws.String(spec.DomainName),
		ValidationMethod: acmtypes.ValidationMethodDns,
		IdempotencyToken: aws.String(p.opts.token()),
	}
	if len(spec.SubjectAlternativeNames) > 0 {
		input.SubjectAlternativeNames = append([]string{spec.DomainName}, spec.SubjectAlternativeNames...)
	}

	out, err := call(ctx, p.opts.Retry, "acm:RequestCertificate", func(ctx context.Context) (*acm.RequestCertificateOutput, error) {
		return p.client.RequestCertificate(ctx, input)
	})
	if err != nil {
		return state.Resource{}, fmt.Errorf("failed to request certificate for %s: %w", spec.DomainName, err)
	}
	arn := aws.ToString(out.CertificateArn)
	p.opts.logger().Info("requested certificate", zap.String("certificate_arn", arn))

	detail, err := p.waitRecords(ctx, arn)
	if err != nil {
		pending := record(arn, arn, spec, map[string]string{
			"arn":    arn,
			"status": string(acmtypes.CertificateStatusPendingValidation),
		})
		return state.Resource{}, &IncompleteError{Record: pending, Err: err}
	}
	return certificateRecord(detail)
}

// Resume waits for the validation records of a certificate requested by an
// interrupted run.
func (p *Certificate) Resume(ctx context.Context, rec state.Resource) (state.Resource, error) {
	detail, err := p.waitRecords(ctx, rec.PhysicalID)
	if err != nil {
		return state.Resource{}, &IncompleteError{Record: rec, Err: err}
	}
	return certificateRecord(detail)
}

// waitRecords polls the certificate until ACM has attached a validation
// record to every domain.
func (p *Certificate) waitRecords(ctx context.Context, arn string) (*acmtypes.CertificateDetail, error) {
	var detail *acmtypes.CertificateDetail
	err := Poll(ctx, p.opts.PollInterval, p.opts.ValidationTimeout, func(ctx context.Context) (bool, error) {
		d, err := describeCertificate(ctx, p.client, p.opts.Retry, arn)
		if err != nil {
			// A new certificate can take a moment to become visible
			if isNoSuchCertificate(err) {
				return false, nil
			}
			return false, err
		}
		detail = d
		return recordsReady(d), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed waiting for validation records of %s: %w", arn, err)
	}
	return detail, nil
}

// Update has nothing to change: every certificate attribute forces
// replacement.
func (p *Certificate) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	r, ok, err := p.Read(ctx, want, prior)
	if err != nil {
		return state.Resource{}, err
	}
	if !ok {
		return state.Resource{}, fmt.Errorf("%w: certificate %s", ErrNotFound, prior.PhysicalID)
	}
	return r, nil
}

// Delete deletes the certificate, waiting while CloudFront still holds on to
// it after a distribution switched to its replacement.
func (p *Certificate) Delete(ctx context.Context, prior state.Resource) error {
	arn := prior.PhysicalID
	err := Poll(ctx, p.opts.PollInterval, p.opts.deployTimeout(), func(ctx context.Context) (bool, error) {
		_, err := call(ctx, p.opts.Retry, "acm:DeleteCertificate", func(ctx context.Context) (*acm.DeleteCertificateOutput, error) {
			return p.client.DeleteCertificate(ctx, &acm.DeleteCertificateInput{CertificateArn: aws.String(arn)})
		})
		var inUse *acmtypes.ResourceInUseException
		switch {
		case err == nil, isNoSuchCertificate(err):
			return true, nil
		case errors.As(err, &inUse):
			p.opts.logger().Debug("certificate still in use", zap.String("certificate_arn", arn))
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return fmt.Errorf("failed to delete certificate %s: %w", arn, err)
	}
	return nil
}

// ValidationRecords publishes the DNS records ACM checks before it issues the
// certificate.
type ValidationRecords struct {
	client sitestackaws.Route53Client
	opts   Options
}

func (p *ValidationRecords) Kind() resource.Kind { return resource.KindValidationRecords }

func (p *ValidationRecords) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	cert, err := dependency(deps, AddrCertificate)
	if err != nil {
		return nil, err
	}
	zone, err := dependency(deps, AddrZone)
	if err != nil {
		return nil, err
	}
	records, err := resource.DecodeValidationRecords(cert.Output("validation_records"))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: certificate %s has no validation records", ErrDependencyPending, cert.PhysicalID)
	}
	return resource.ValidationRecordsSpec{ZoneID: zone.PhysicalID, Records: records}, nil
}

// recordSets groups records into one record set per name and type. Domains
// sharing a record, like a wildcard and its base, yield one set.
func recordSets(records map[string]resource.ValidationRecord) []r53types.ResourceRecordSet {
	seen := make(map[string]bool)
	var out []r53types.ResourceRecordSet
	for _, r := range resource.SortedRecords(records) {
		key := fqdn(r.Name) + "|" + r.Type
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r53types.ResourceRecordSet{
			Name:            aws.String(r.Name),
			Type:            r53types.RRType(r.Type),
			TTL:             aws.Int64(config.ValidationRecordTTL),
			ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(r.Value)}},
		})
	}
	return out
}

func validationRecordsRecord(spec resource.ValidationRecordsSpec) state.Resource {
	fqdns := strings.Join(resource.FQDNs(spec.Records), ",")
	return record(spec.ZoneID+":"+fqdns, "", spec, map[string]string{"fqdns": fqdns})
}

// Read looks up every desired and previously applied record.
func (p *ValidationRecords) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.ValidationRecordsSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	lookup := resource.RecordsFromAttributes(prior.Attributes)
	for domain, r := range spec.Records {
		lookup[domain] = r
	}

	live := make(map[string]resource.ValidationRecord)
	ttl := ""
	for domain, r := range lookup {
		rr, ok, err := findRecord(ctx, p.client, p.opts.Retry, spec.ZoneID, r.Name, r53types.RRType(r.Type))
		if err != nil {
			return state.Resource{}, false, err
		}
		if !ok {
			continue
		}
		value := ""
		if len(rr.ResourceRecords) > 0 {
			value = aws.ToString(rr.ResourceRecords[0].Value)
		}
		live[domain] = resource.ValidationRecord{Domain: domain, Name: r.Name, Type: r.Type, Value: value}
		if rr.TTL != nil {
			ttl = fmt.Sprint(*rr.TTL)
		}
	}
	if len(live) == 0 {
		return state.Resource{}, false, nil
	}

	found := resource.ValidationRecordsSpec{ZoneID: spec.ZoneID, Records: live}
	r := validationRecordsRecord(found)
	if ttl != "" {
		r.Attributes["ttl"] = ttl
	}
	return r, true, nil
}

// Create upserts every record in one change batch and waits for it to
// propagate.
func (p *ValidationRecords) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.ValidationRecordsSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	var changes []r53types.Change
	for _, rr := range recordSets(spec.Records) {
		changes = append(changes, r53types.Change{Action: r53types.ChangeActionUpsert, ResourceRecordSet: &rr})
	}
	if err := changeRecords(ctx, p.client, p.opts, spec.ZoneID, "sitestack certificate validation", changes, true); err != nil {
		return state.Resource{}, err
	}
	return validationRecordsRecord(spec), nil
}

// Update upserts the desired records and removes the ones no longer needed.
func (p *ValidationRecords) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.ValidationRecordsSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	keep := make(map[string]bool)
	var changes []r53types.Change
	for _, rr := range recordSets(spec.Records) {
		keep[fqdn(aws.ToString(rr.Name))+"|"+string(rr.Type)] = true
		changes = append(changes, r53types.Change{Action: r53types.ChangeActionUpsert, ResourceRecordSet: &rr})
	}
	stale, err := p.liveSets(ctx, prior, keep)
	if err != nil {
		return state.Resource{}, err
	}
	for _, rr := range stale {
		changes = append(changes, r53types.Change{Action: r53types.ChangeActionDelete, ResourceRecordSet: &rr})
	}
	if err := changeRecords(ctx, p.client, p.opts, spec.ZoneID, "sitestack certificate validation", changes, true); err != nil {
		return state.Resource{}, err
	}
	return validationRecordsRecord(spec), nil
}

// Delete removes the records that still exist. Records deleted out of band
// are ignored.
func (p *ValidationRecords) Delete(ctx context.Context, prior state.Resource) error {
	sets, err := p.liveSets(ctx, prior, nil)
	if err != nil {
		var noZone *r53types.NoSuchHostedZone
		if errors.As(err, &noZone) {
			return nil
		}
		return err
	}
	var changes []r53types.Change
	for _, rr := range sets {
		changes = append(changes, r53types.Change{Action: r53types.ChangeActionDelete, ResourceRecordSet: &rr})
	}
	return changeRecords(ctx, p.client, p.opts, prior.Attributes["zone_id"], "sitestack certificate validation cleanup", changes, false)
}

// liveSets returns the live record sets of the records in prior, skipping
// the keys in keep.
func (p *ValidationRecords) liveSets(ctx context.Context, prior state.Resource, keep map[string]bool) ([]r53types.ResourceRecordSet, error) {
	zoneID := prior.Attributes["zone_id"]
	if zoneID == "" {
		return nil, nil
	}
	seen := make(map[string]bool)
	var out []r53types.ResourceRecordSet
	for _, r := range resource.SortedRecords(resource.RecordsFromAttributes(prior.Attributes)) {
		key := fqdn(r.Name) + "|" + r.Type
		if keep[key] || seen[key] {
			continue
		}
		seen[key] = true
		rr, ok, err := findRecord(ctx, p.client, p.opts.Retry, zoneID, r.Name, r53types.RRType(r.Type))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rr)
		}
	}
	return out, nil
}

// CertificateValidation waits until ACM has issued the certificate. It has no
// live object of its own.
type CertificateValidation struct {
	client sitestackaws.ACMClient
	opts   Options
}

func (p *CertificateValidation) Kind() resource.Kind { return resource.KindCertificateValidation }

func (p *CertificateValidation) Desired(deps map[string]state.Resource) (resource.Spec, error) {
	cert, err := dependency(deps, AddrCertificate)
	if err != nil {
		return nil, err
	}
	records, err := dependency(deps, AddrValidationRecords)
	if err != nil {
		return nil, err
	}
	var fqdns []string
	if s := records.Output("fqdns"); s != "" {
		fqdns = strings.Split(s, ",")
	}
	return resource.CertificateValidationSpec{CertificateARN: cert.PhysicalID, RecordFQDNs: fqdns}, nil
}

func issuedRecord(spec resource.CertificateValidationSpec, detail *acmtypes.CertificateDetail) state.Resource {
	r := record(spec.CertificateARN, spec.CertificateARN, spec, map[string]string{"status": string(detail.Status)})
	if detail.IssuedAt != nil {
		r.Outputs["issued_at"] = detail.IssuedAt.UTC().Format(time.RFC3339)
	}
	r.Status = state.StatusIssued
	return r
}

// Read reports the validation as existing only once the certificate is
// issued, so that a pending certificate is waited for by Create.
func (p *CertificateValidation) Read(ctx context.Context, want resource.Spec, prior state.Resource) (state.Resource, bool, error) {
	spec, err := specAs[resource.CertificateValidationSpec](want)
	if err != nil {
		return state.Resource{}, false, err
	}
	detail, err := describeCertificate(ctx, p.client, p.opts.Retry, spec.CertificateARN)
	if err != nil {
		if isNoSuchCertificate(err) {
			return state.Resource{}, false, nil
		}
		return state.Resource{}, false, fmt.Errorf("failed to read certificate %s: %w", spec.CertificateARN, err)
	}
	if detail.Status != acmtypes.CertificateStatusIssued {
		return state.Resource{}, false, nil
	}
	return issuedRecord(spec, detail), true, nil
}

// Create polls the certificate until it is issued. It fails with
// ErrValidationFailed when ACM gives up, with a *ValidationTimeoutError when
// the validation timeout elapses, and with the context error on cancellation.
func (p *CertificateValidation) Create(ctx context.Context, want resource.Spec) (state.Resource, error) {
	spec, err := specAs[resource.CertificateValidationSpec](want)
	if err != nil {
		return state.Resource{}, err
	}
	arn := spec.CertificateARN
	log := p.opts.logger().With(zap.String("certificate_arn", arn))
	log.Info("waiting for certificate validation", zap.Duration("timeout", p.opts.ValidationTimeout))

	var last *acmtypes.CertificateDetail
	err = Poll(ctx, p.opts.PollInterval, p.opts.ValidationTimeout, func(ctx context.Context) (bool, error) {
		detail, err := describeCertificate(ctx, p.client, p.opts.Retry, arn)
		if err != nil {
			return false, err
		}
		last = detail
		switch detail.Status {
		case acmtypes.CertificateStatusIssued:
			return true, nil
		case acmtypes.CertificateStatusPendingValidation:
			log.Debug("certificate pending validation")
			return false, nil
		default:
			return false, fmt.Errorf("%w: certificate %s is %s (%s)", ErrValidationFailed, arn, detail.Status, detail.FailureReason)
		}
	})
	if errors.Is(err, ErrPollTimeout) {
		return state.Resource{}, &ValidationTimeoutError{
			CertificateARN: arn,
			Timeout:        p.opts.ValidationTimeout,
			Pending:        pendingRecords(last),
		}
	}
	if err != nil {
		return state.Resource{}, err
	}
	log.Info("certificate issued")
	return issuedRecord(spec, last), nil
}

func (p *CertificateValidation) Update(ctx context.Context, prior state.Resource, want resource.Spec) (state.Resource, error) {
	return p.Create(ctx, want)
}

// Delete has nothing to remove.
func (p *CertificateValidation) Delete(ctx context.Context, prior state.Resource) error {
	return nil
}

// pendingRecords lists the records of domains ACM has not validated yet.
func pendingRecords(detail *acmtypes.CertificateDetail) []resource.ValidationRecord {
	if detail == nil {
		return nil
	}
	var out []resource.ValidationRecord
	for _, dv := range detail.DomainValidationOptions {
		if dv.ValidationStatus == acmtypes.DomainStatusSuccess {
			continue
		}
		r := resource.ValidationRecord{Domain: aws.ToString(dv.DomainName)}
		if rr := dv.ResourceRecord; rr != nil {
			r.Name = aws.ToString(rr.Name)
			r.Type = string(rr.Type)
			r.Value = aws.ToString(rr.Value)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
