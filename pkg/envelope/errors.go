package envelope

import "fmt"

// InvalidArgumentError is raised by Create for contract violations the
// caller must fix: an unknown record type, a non-mapping payload, a
// negative sequence, or a malformed signer_public_key.
type InvalidArgumentError struct {
	Field string
	Msg   string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("envelope: invalid %s: %s", e.Field, e.Msg)
}
