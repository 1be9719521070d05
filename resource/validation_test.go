package resource

import (
	"testing"

	"pgregory.net/rapid"
)

func genDomain() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		label := rapid.StringMatching(`[a-z][a-z0-9]{0,8}`).Draw(t, "label")
		tld := rapid.SampledFrom([]string{"org", "com", "net", "io"}).Draw(t, "tld")
		sub := rapid.SampledFrom([]string{"", "www.", "static.", "*."}).Draw(t, "sub")
		return sub + label + "." + tld
	})
}

func genOption() *rapid.Generator[DomainValidationOption] {
	return rapid.Custom(func(t *rapid.T) DomainValidationOption {
		domain := genDomain().Draw(t, "domain")
		token := rapid.StringMatching(`[a-f0-9]{8,16}`).Draw(t, "token")
		return DomainValidationOption{
			DomainName:  domain,
			RecordName:  "_" + token + "." + domain + ".",
			RecordType:  "CNAME",
			RecordValue: "_" + token + ".acm-validations.aws.",
		}
	})
}

func TestDeriveValidationRecordsOnePerDistinctDomain(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := rapid.SliceOfN(genOption(), 0, 12).Draw(t, "opts")

		records := DeriveValidationRecords(opts)

		distinct := make(map[string]struct{})
		for _, o := range opts {
			distinct[o.DomainName] = struct{}{}
		}
		if len(records) != len(distinct) {
			t.Fatalf("expected %d records, got %d", len(distinct), len(records))
		}
		for domain, r := range records {
			if r.Domain != domain {
				t.Fatalf("record keyed by %q carries domain %q", domain, r.Domain)
			}
			found := false
			for _, o := range opts {
				if o.DomainName == domain && o.RecordName == r.Name && o.RecordType == r.Type && o.RecordValue == r.Value {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("record %v was not copied verbatim from any option", r)
			}
		}
	})
}

func TestDeriveValidationRecordsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opts := rapid.SliceOfN(genOption(), 1, 12).Draw(t, "opts")
		shuffled := rapid.Permutation(opts).Draw(t, "shuffled")

		a := DeriveValidationRecords(opts)
		b := DeriveValidationRecords(shuffled)
		again := DeriveValidationRecords(opts)

		if len(a) != len(b) || len(a) != len(again) {
			t.Fatalf("record counts differ: %d %d %d", len(a), len(b), len(again))
		}
		for domain, r := range a {
			if b[domain] != r {
				t.Fatalf("order changed record for %s: %v vs %v", domain, r, b[domain])
			}
			if again[domain] != r {
				t.Fatalf("re-derivation changed record for %s", domain)
			}
		}
	})
}

func TestDeriveValidationRecordsSkipsPendingOptions(t *testing.T) {
	opts := []DomainValidationOption{
		{DomainName: "example.org"},
		{DomainName: "www.example.org", RecordName: "_a.www.example.org.", RecordType: "CNAME", RecordValue: "_b.acm-validations.aws."},
	}
	records := DeriveValidationRecords(opts)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if _, ok := records["www.example.org"]; !ok {
		t.Error("expected record for www.example.org")
	}
}

func TestValidationRecordsEncoding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		records := DeriveValidationRecords(rapid.SliceOfN(genOption(), 0, 8).Draw(t, "opts"))

		encoded, err := EncodeValidationRecords(records)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeValidationRecords(encoded)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if len(decoded) != len(records) {
			t.Fatalf("expected %d records, got %d", len(records), len(decoded))
		}
		for domain, r := range records {
			if decoded[domain] != r {
				t.Fatalf("record for %s changed: %v vs %v", domain, r, decoded[domain])
			}
		}

		spec := ValidationRecordsSpec{ZoneID: "Z1", Records: records}
		fromAttrs := RecordsFromAttributes(spec.Attributes())
		if len(fromAttrs) != len(records) {
			t.Fatalf("attributes lost records: %d vs %d", len(fromAttrs), len(records))
		}
		for domain, r := range records {
			if fromAttrs[domain] != r {
				t.Fatalf("attribute form changed record for %s", domain)
			}
		}
	})
}

func TestFQDNs(t *testing.T) {
	records := map[string]ValidationRecord{
		"www.example.org": {Domain: "www.example.org", Name: "_b.www.example.org."},
		"example.org":     {Domain: "example.org", Name: "_a.example.org."},
	}
	got := FQDNs(records)
	want := []string{"_a.example.org", "_b.www.example.org"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %s at %d, got %s", want[i], i, got[i])
		}
	}
}
