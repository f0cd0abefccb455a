package main

import "github.com/rudransh-shrivastava/btlink/internal/cli"

func main() {
	cli.Execute()
}
