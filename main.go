package main

import "github.com/andresmejia3/cellbridge/cmd"

func main() {
	cmd.Execute()
}
