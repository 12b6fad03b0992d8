package main

import (
	"fmt"
	"io"

	"github.com/guardclaw/gef/pkg/envelope"
)

func runVersionCmd(stdout io.Writer) int {
	fmt.Fprintf(stdout, "gef_version %s\n", envelope.Version)
	return 0
}
