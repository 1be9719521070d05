// Package resource defines the desired-state records of the static site
// graph. Every record flattens into a string attribute map so that desired
// state, live state and the persisted snapshot compare the same way.
package resource

import (
	"sort"
)

// Kind identifies a resource type. One provisioner exists per kind.
type Kind string

const (
	KindZone                  Kind = "zone"
	KindBucket                Kind = "bucket"
	KindPublicAccessBlock     Kind = "bucket_public_access_block"
	KindOwnershipControls     Kind = "bucket_ownership_controls"
	KindVersioning            Kind = "bucket_versioning"
	KindOriginAccessControl   Kind = "origin_access_control"
	KindCertificate           Kind = "certificate"
	KindValidationRecords     Kind = "validation_records"
	KindCertificateValidation Kind = "certificate_validation"
	KindDistribution          Kind = "distribution"
	KindBucketPolicy          Kind = "bucket_policy"
	KindAliasRecord           Kind = "alias_record"
)

// Spec is the desired state of one resource.
type Spec interface {
	// Kind returns the resource type.
	Kind() Kind
	// Attributes returns the flat form of the desired state.
	Attributes() map[string]string
	// ForceNew lists the attribute keys whose change requires the resource
	// to be replaced rather than updated in place.
	ForceNew() []string
}

// Changed returns the sorted keys whose values differ between a and b. A key
// present in only one of the maps counts as changed.
func Changed(a, b map[string]string) []string {
	var keys []string
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two attribute maps are identical.
func Equal(a, b map[string]string) bool {
	return len(Changed(a, b)) == 0
}

// RequiresReplacement reports whether any of the changed keys is a ForceNew
// attribute of spec.
func RequiresReplacement(spec Spec, changed []string) bool {
	forceNew := make(map[string]struct{}, len(spec.ForceNew()))
	for _, k := range spec.ForceNew() {
		forceNew[k] = struct{}{}
	}
	for _, k := range changed {
		if _, ok := forceNew[k]; ok {
			return true
		}
	}
	return false
}
