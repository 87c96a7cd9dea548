package cfssl

import (
	"fmt"
	"strings"

	"github.com/pvarki/rasenmaeher/internal/errs"
)

// Revocation reason codes from RFC 5280 section 5.3.1.
const (
	ReasonUnspecified          = 0
	ReasonKeyCompromise        = 1
	ReasonCACompromise         = 2
	ReasonAffiliationChanged   = 3
	ReasonSuperseded           = 4
	ReasonCessationOfOperation = 5
	ReasonCertificateHold      = 6
	ReasonRemoveFromCRL        = 8
	ReasonPrivilegeWithdrawn   = 9
	ReasonAACompromise         = 10
)

// reasonNames maps the canonical lowercase form of each reason name to its
// code. Lookup normalizes away underscores so both "keyCompromise" and
// "key_compromise" resolve.
var reasonNames = map[string]int{
	"unspecified":          ReasonUnspecified,
	"keycompromise":        ReasonKeyCompromise,
	"cacompromise":         ReasonCACompromise,
	"affiliationchanged":   ReasonAffiliationChanged,
	"superseded":           ReasonSuperseded,
	"cessationofoperation": ReasonCessationOfOperation,
	"certificatehold":      ReasonCertificateHold,
	"removefromcrl":        ReasonRemoveFromCRL,
	"privilegewithdrawn":   ReasonPrivilegeWithdrawn,
	"aacompromise":         ReasonAACompromise,
}

var reasonCodes = map[int]bool{
	ReasonUnspecified:          true,
	ReasonKeyCompromise:        true,
	ReasonCACompromise:         true,
	ReasonAffiliationChanged:   true,
	ReasonSuperseded:           true,
	ReasonCessationOfOperation: true,
	ReasonCertificateHold:      true,
	ReasonRemoveFromCRL:        true,
	ReasonPrivilegeWithdrawn:   true,
	ReasonAACompromise:         true,
}

// ResolveReason accepts a canonical reason name (in camelCase or snake_case)
// or a numeric code and returns the RFC 5280 code. Unknown reasons fail with
// a validation error.
func ResolveReason(reason any) (int, error) {
	switch v := reason.(type) {
	case int:
		if !reasonCodes[v] {
			return 0, fmt.Errorf("%w: unknown revocation reason code %d", errs.ErrValidation, v)
		}
		return v, nil
	case string:
		normalized := strings.ToLower(strings.ReplaceAll(v, "_", ""))
		code, ok := reasonNames[normalized]
		if !ok {
			return 0, fmt.Errorf("%w: unknown revocation reason %q", errs.ErrValidation, v)
		}
		return code, nil
	default:
		return 0, fmt.Errorf("%w: revocation reason must be a name or a code", errs.ErrValidation)
	}
}
