package acse

import (
	"fmt"
	"strings"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
)

// BasicEncodingRules is the transfer syntax OID for BER
const BasicEncodingRules = "2.1.1"

// PresentationContext is one proposed presentation context.
type PresentationContext struct {
	ID               int
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Validate checks a single context: the id must be odd and positive, and
// both syntaxes must be present.
func (pc PresentationContext) Validate() error {
	if pc.ID <= 0 || pc.ID%2 == 0 {
		return amhserrors.NewValidationError("presentation_context", "Presentation-context identifier must be an odd positive integer")
	}
	if strings.TrimSpace(pc.AbstractSyntax) == "" {
		return amhserrors.NewValidationError("presentation_context", "Presentation-context abstract syntax OID is required")
	}
	if len(pc.TransferSyntaxes) == 0 {
		return amhserrors.NewValidationError("presentation_context", "At least one transfer syntax must be provided")
	}
	return nil
}

// ValidateNegotiation checks every proposal and that each accepted id was
// actually proposed.
func ValidateNegotiation(proposed []PresentationContext, accepted []int) error {
	if len(proposed) == 0 {
		return amhserrors.NewValidationError("presentation_context", "At least one presentation-context proposal is required")
	}

	known := make(map[int]bool, len(proposed))
	for _, pc := range proposed {
		if err := pc.Validate(); err != nil {
			return err
		}
		known[pc.ID] = true
	}

	for _, id := range accepted {
		if !known[id] {
			return amhserrors.NewValidationError("presentation_context", fmt.Sprintf("Accepted presentation-context id not proposed: %d", id))
		}
	}
	return nil
}
