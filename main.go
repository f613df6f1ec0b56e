package main

import "github.com/francistor/coapclient/cmd"

func main() {
	cmd.Execute()
}
