package main

import "github.com/dsg-config/dconfigd/lib/cli"

func main() {
	cli.Execute()
}
