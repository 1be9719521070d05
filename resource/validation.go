package resource

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// ValidationRecord is a DNS record ACM expects to find before it issues a
// certificate for Domain.
type ValidationRecord struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

// DomainValidationOption is the part of a certificate's domain validation
// option that the derivation reads. Record fields are empty until ACM has
// generated the record.
type DomainValidationOption struct {
	DomainName  string
	RecordName  string
	RecordType  string
	RecordValue string
}

// DeriveValidationRecords maps validation options to one record per distinct
// domain. Options without a generated record are skipped. The result does not
// depend on the order of opts: when a domain appears more than once the
// lexicographically smallest record wins.
func DeriveValidationRecords(opts []DomainValidationOption) map[string]ValidationRecord {
	out := make(map[string]ValidationRecord, len(opts))
	for _, o := range opts {
		if o.DomainName == "" || o.RecordName == "" {
			continue
		}
		r := ValidationRecord{
			Domain: o.DomainName,
			Name:   o.RecordName,
			Type:   o.RecordType,
			Value:  o.RecordValue,
		}
		if prev, ok := out[o.DomainName]; ok && !r.less(prev) {
			continue
		}
		out[o.DomainName] = r
	}
	return out
}

func (r ValidationRecord) less(o ValidationRecord) bool {
	if r.Name != o.Name {
		return r.Name < o.Name
	}
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.Value < o.Value
}

// SortedRecords returns the records ordered by domain.
func SortedRecords(records map[string]ValidationRecord) []ValidationRecord {
	out := make([]ValidationRecord, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// FQDNs returns the record names without their trailing dot, sorted.
func FQDNs(records map[string]ValidationRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, strings.TrimSuffix(r.Name, "."))
	}
	sort.Strings(out)
	return out
}

// EncodeValidationRecords serialises records for storage in a resource's
// outputs.
func EncodeValidationRecords(records map[string]ValidationRecord) (string, error) {
	data, err := json.Marshal(SortedRecords(records))
	if err != nil {
		return "", fmt.Errorf("failed to encode validation records: %w", err)
	}
	return string(data), nil
}

// DecodeValidationRecords is the inverse of EncodeValidationRecords. The
// empty string decodes to an empty set.
func DecodeValidationRecords(s string) (map[string]ValidationRecord, error) {
	out := make(map[string]ValidationRecord)
	if s == "" {
		return out, nil
	}
	var list []ValidationRecord
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("failed to decode validation records: %w", err)
	}
	for _, r := range list {
		out[r.Domain] = r
	}
	return out, nil
}

const recordAttrPrefix = "record:"

// RecordAttributeKey is the attribute key of the validation record for
// domain.
func RecordAttributeKey(domain string) string {
	return recordAttrPrefix + domain
}

// RecordsFromAttributes rebuilds the validation records held in a flat
// attribute map.
func RecordsFromAttributes(attrs map[string]string) map[string]ValidationRecord {
	out := make(map[string]ValidationRecord)
	for k, v := range attrs {
		domain, ok := strings.CutPrefix(k, recordAttrPrefix)
		if !ok {
			continue
		}
		parts := strings.SplitN(v, " ", 3)
		if len(parts) != 3 {
			continue
		}
		out[domain] = ValidationRecord{Domain: domain, Name: parts[0], Type: parts[1], Value: parts[2]}
	}
	return out
}

func (r ValidationRecord) attributeValue() string {
	return r.Name + " " + r.Type + " " + r.Value
}

// String renders the record the way an operator would type it into a zone.
func (r ValidationRecord) String() string {
	return fmt.Sprintf("%s %s %s", r.Name, r.Type, r.Value)
}
