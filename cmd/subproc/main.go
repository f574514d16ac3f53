package main

import (
	"github.com/Paintersrp/subproc/internal/cli"
	"github.com/Paintersrp/subproc/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
