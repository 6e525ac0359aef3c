// Package main is the entry point for the collaboration hub server.
package main

import (
	"log"

	"hub.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
