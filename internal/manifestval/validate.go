// Package manifestval wraps go-playground/validator with the
// struct-tag rules the runtime needs for manifests. Configuration is
// validated separately by internal/config.
package manifestval

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/dotcommander/secplugd/pkg/secplugin"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New()
	})
	return instance
}

// ValidateStruct runs struct-tag validation over any tagged value and
// returns a flattened, human-readable error on failure.
func ValidateStruct(s any) error {
	if err := get().Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("validation failed: %s", verrs.Error())
		}
		return err
	}
	return nil
}

// ValidateManifest runs struct-tag validation on the manifest's
// required fields and positive resource limits, then delegates the
// permission-enum check to Manifest.Validate, which reports the
// sentinel errors callers switch on.
func ValidateManifest(m *secplugin.Manifest) error {
	if err := ValidateStruct(m); err != nil {
		return err
	}
	return m.Validate()
}
