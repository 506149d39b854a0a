package main

import "github.com/pliu/chattysync/internal/cli"

func main() {
	cli.Execute()
}
