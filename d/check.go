// Package d provides invariant checks for conditions that indicate programmer
// error. Failures panic; they are never part of the recoverable error surface.
package d

import (
	"fmt"

	"github.com/stretchr/testify/assert"
)

// Chk panics if the asserted condition does not hold.
var Chk = assert.New(&panicker{})

type panicker struct {
}

func (s panicker) Errorf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

// PanicIfError panics iff err != nil.
func PanicIfError(err error) {
	if err != nil {
		panic(err)
	}
}

// PanicIfTrue panics with the formatted message iff b is true.
func PanicIfTrue(b bool, format string, args ...interface{}) {
	if b {
		panic(fmt.Sprintf(format, args...))
	}
}
