package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"parley.app/dialog/tools/linters/enumvalidator"
)

func main() {
	singlechecker.Main(enumvalidator.Analyzer)
}
