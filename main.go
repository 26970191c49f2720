package main

import "github.com/Davincible/msgbridge/cmd"

func main() {
	cmd.Execute()
}
