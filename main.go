package main

import "github.com/ambitchat/ambit/cmd"

func main() {
	cmd.Execute()
}
