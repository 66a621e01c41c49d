//go:build tools

// Package tools pins the code generators run by go generate, so mockgen
// resolves from go.mod on a fresh checkout.
package agency_crm

import (
	_ "go.uber.org/mock/mockgen"
)
