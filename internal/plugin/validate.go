package plugin

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"warden/internal/domain"
)

// validate is shared; building a validator caches struct metadata.
var validate = validator.New()

// ValidateLimits applies defaults to limits and checks the result is within
// the range the engine can enforce.
func ValidateLimits(limits, defaults domain.ResourceLimits) (domain.ResourceLimits, error) {
	limits = limits.WithDefaults(defaults)
	if err := validate.Struct(limits); err != nil {
		return limits, fmt.Errorf("%w: %v", domain.ErrInvalidLimits, err)
	}
	return limits, nil
}
