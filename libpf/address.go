// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/vectorhook/hookcore/libpf"

import "fmt"

// Address represents an address, or offset within a process
type Address uintptr

// AddressInvalid is returned by lookups that could not resolve an address.
const AddressInvalid = Address(0)

// IsValid reports whether the address is non-null.
func (adr Address) IsValid() bool {
	return adr != AddressInvalid
}

// String formats the address in hexadecimal.
func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uintptr(adr))
}
