// SPDX-License-Identifier: Apache-2.0

package domain

import "fmt"

// OperationType identifies the kind of mutation carried by an event. The
// numeric values are part of the wire form.
type OperationType int

const (
	OperationAny    OperationType = 0
	OperationInsert OperationType = 100
	OperationUpdate OperationType = 200
	OperationDelete OperationType = 300
)

func (o OperationType) String() string {
	switch o {
	case OperationAny:
		return "ANY"
	case OperationInsert:
		return "INSERT"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("OPERATION(%d)", int(o))
	}
}

// Mutation reports whether o names a concrete mutation. OperationAny is only
// meaningful as a subscription filter.
func (o OperationType) Mutation() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}
