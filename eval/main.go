// eval contains a tool for evaluating the vines protocol and
// implementation.
package main

import (
	"math/rand"
	"time"

	"github.com/0x00A/vines/eval/cmd"
)

func main() {
	rand.Seed(time.Now().UTC().UnixNano())

	cmd.Execute()
}
