package main

import (
	_ "time/tzdata"

	"github.com/example/slot-backfill/cmd"
)

func main() {
	cmd.Execute()
}
