// Package compliance enforces AMHS admission policy: address forms, body
// limits and the binding between channels and certificate identities.
package compliance

import (
	"context"
	"regexp"
	"strings"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/oraddr"
	"github.com/caio-sobreiro/amhsnet/types"
)

// MaxBodyLength is the largest accepted body, in characters
const MaxBodyLength = 100_000

var countryCode = regexp.MustCompile(`^[A-Z]{2}$`)

// Validator implements interfaces.AdmissionValidator
type Validator struct {
	channels *ChannelService
}

// NewValidator creates a validator resolving channels through channels
func NewValidator(channels *ChannelService) *Validator {
	return &Validator{channels: channels}
}

// Validate checks body size, both addresses and the profile
func (v *Validator) Validate(from, to, body string, profile types.Profile) error {
	if strings.TrimSpace(body) == "" || len([]rune(body)) > MaxBodyLength {
		return amhserrors.NewValidationError("body", "Invalid AMHS body size")
	}
	if err := ValidateAddress(from, "from"); err != nil {
		return err
	}
	if err := ValidateAddress(to, "to"); err != nil {
		return err
	}
	if profile == "" {
		return amhserrors.NewValidationError("profile", "AMHS profile is mandatory")
	}
	if !profile.Valid() {
		return amhserrors.NewValidationError("profile", "Unsupported AMHS profile: "+string(profile))
	}
	return nil
}

// RequireEnabledChannel resolves a channel through the channel service
func (v *Validator) RequireEnabledChannel(ctx context.Context, name string) (*types.Channel, error) {
	return v.channels.RequireEnabledChannel(ctx, name)
}

// ValidateCertificateIdentity checks the presented CN and OU against the
// channel's expectations. A connection with no certificate identity passes.
func (v *Validator) ValidateCertificateIdentity(channel *types.Channel, cn, ou string) error {
	cn, ou = strings.TrimSpace(cn), strings.TrimSpace(ou)
	if cn == "" && ou == "" {
		return nil
	}
	if expected := strings.TrimSpace(channel.ExpectedCN); expected != "" && !strings.EqualFold(expected, cn) {
		return amhserrors.NewValidationError("certificate_cn", "Certificate CN does not match channel policy")
	}
	if expected := strings.TrimSpace(channel.ExpectedOU); expected != "" && !strings.EqualFold(expected, ou) {
		return amhserrors.NewValidationError("certificate_ou", "Certificate OU does not match channel policy")
	}
	return nil
}

// ValidateAddress accepts an 8-character ICAO address or an AMHS O/R
// address of the AFTN form (C, ADMD=ICAO, PRMD, O=AFTN, OU1=<ICAO>).
// field names the address in error messages.
func ValidateAddress(address, field string) error {
	normalized := strings.ToUpper(strings.TrimSpace(address))
	if normalized == "" {
		return amhserrors.NewValidationError(field, "AMHS "+field+" address is mandatory")
	}
	if oraddr.IsICAO(normalized) {
		return nil
	}

	addr, err := oraddr.Parse(normalized)
	if err != nil {
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address is invalid: "+err.Error())
	}
	switch {
	case !countryCode.MatchString(addr.Get(oraddr.Country)):
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address must include valid C (2-letter country code)")
	case !strings.EqualFold(addr.Get(oraddr.ADMD), "ICAO"):
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address must include ADMD/A=ICAO")
	case addr.Get(oraddr.PRMD) == "":
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address must include PRMD/P")
	case !strings.EqualFold(addr.Get(oraddr.Organization), "AFTN"):
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address must include O=AFTN")
	case !oraddr.IsICAO(addr.Get(oraddr.OU1)):
		return amhserrors.NewValidationError(field, "AMHS "+field+" O/R address must include OU1 with a valid 8-character ICAO address")
	}
	return nil
}
