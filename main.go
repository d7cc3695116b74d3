package main

import (
	_ "time/tzdata"

	"github.com/dhcgn/payslip-imap/cmd"
)

func main() {
	cmd.Execute()
}
